package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jameshartig/emporiasync/pkg/address"
	"github.com/jameshartig/emporiasync/pkg/controller"
	"github.com/jameshartig/emporiasync/pkg/log"
	"github.com/jameshartig/emporiasync/pkg/storage"
	"github.com/jameshartig/emporiasync/pkg/types"
)

type statusResponse struct {
	Ready       bool                `json:"ready"`
	CustomerGID int64               `json:"customerGid,omitempty"`
	Nodes       int                 `json:"nodes"`
	Notices     []controller.Notice `json:"notices"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, statusResponse{
		Ready:       s.controller.Ready(),
		CustomerGID: s.controller.Customer().GID,
		Nodes:       len(s.nodes.Nodes()),
		Notices:     s.controller.Notices().All(),
	})
}

func (s *Server) handleNotices(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.controller.Notices().All())
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	nodes := s.nodes.Nodes()
	if k := r.URL.Query().Get("kind"); k != "" {
		var kind types.NodeKind
		if err := kind.UnmarshalText([]byte(k)); err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		filtered := nodes[:0]
		for _, n := range nodes {
			if n.Kind == kind {
				filtered = append(filtered, n)
			}
		}
		nodes = filtered
	}
	if nodes == nil {
		nodes = []types.NodeInfo{}
	}
	writeJSON(w, nodes)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	n, ok := s.nodes.Info(address.Canonicalize(r.PathValue("address")))
	if !ok {
		writeJSONError(w, "node not found", http.StatusNotFound)
		return
	}
	writeJSON(w, n)
}

// handleDeleteNode removes a node and its children. Discovery recreates them
// if the device is still on the account.
func (s *Server) handleDeleteNode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	addr := address.Canonicalize(r.PathValue("address"))
	if err := s.nodes.RemoveNode(ctx, addr); err != nil {
		if errors.Is(err, storage.ErrNodeNotFound) {
			writeJSONError(w, "node not found", http.StatusNotFound)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to remove node", slog.String("address", addr), slog.Any("error", err))
		writeJSONError(w, "failed to remove node", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.controller.Devices()
	if devices == nil {
		devices = []types.Device{}
	}
	writeJSON(w, devices)
}

type discoverResponse struct {
	Devices  int      `json:"devices"`
	Targets  []int64  `json:"targets"`
	Created  int      `json:"created"`
	Existing int      `json:"existing"`
	Warnings []string `json:"warnings"`
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	topo, err := s.controller.Discover(ctx)
	if err != nil {
		s.writeControllerError(w, r, "discovery failed", err)
		return
	}
	resp := discoverResponse{
		Devices:  len(topo.Devices),
		Targets:  topo.Targets,
		Created:  topo.Created,
		Existing: topo.Existing,
		Warnings: make([]string, 0, len(topo.Warnings)),
	}
	for _, warn := range topo.Warnings {
		resp.Warnings = append(resp.Warnings, warn.Error())
	}
	writeJSON(w, resp)
}

func parseGID(r *http.Request) (int64, error) {
	gid, err := strconv.ParseInt(r.PathValue("gid"), 10, 64)
	if err != nil || gid <= 0 {
		return 0, fmt.Errorf("invalid device gid: %q", r.PathValue("gid"))
	}
	return gid, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, dest any) error {
	// Limit body size to 1MB
	r.Body = http.MaxBytesReader(w, r.Body, 1048576)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

type outletRequest struct {
	On *bool `json:"on"`
}

func (s *Server) handleSetOutlet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gid, err := parseGID(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req outletRequest
	if err := decodeBody(w, r, &req); err != nil || req.On == nil {
		writeJSONError(w, "body must be {\"on\": true|false}", http.StatusBadRequest)
		return
	}

	o, err := s.controller.SetOutlet(ctx, gid, *req.On)
	if err != nil {
		s.writeControllerError(w, r, "failed to update outlet", err)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "outlet updated", slog.Int64("gid", gid), slog.Bool("on", o.On))
	writeJSON(w, o)
}

type chargerRequest struct {
	On   *bool `json:"on"`
	Rate int   `json:"rate,omitempty"`
}

func (s *Server) handleSetCharger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gid, err := parseGID(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req chargerRequest
	if err := decodeBody(w, r, &req); err != nil || req.On == nil {
		writeJSONError(w, "body must be {\"on\": true|false, \"rate\": amps}", http.StatusBadRequest)
		return
	}
	if req.Rate < 0 {
		writeJSONError(w, "rate must not be negative", http.StatusBadRequest)
		return
	}

	c, err := s.controller.SetCharger(ctx, gid, *req.On, req.Rate)
	if err != nil {
		s.writeControllerError(w, r, "failed to update charger", err)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "charger updated", slog.Int64("gid", gid), slog.Bool("on", c.On), slog.Int("rate", c.ChargingRate))
	writeJSON(w, c)
}

func (s *Server) handleChartUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	gid, err := parseGID(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	scale := types.ScaleMinute
	if v := r.URL.Query().Get("scale"); v != "" {
		scale, err = types.ParseScale(v)
		if err != nil {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	start, end, err := parseTimeRange(r)
	if err != nil {
		writeJSONError(w, "invalid time range: "+err.Error(), http.StatusBadRequest)
		return
	}

	cu, err := s.controller.ChartUsage(ctx, gid, r.PathValue("channel"), start, end, scale)
	if err != nil {
		s.writeControllerError(w, r, "failed to get usage", err)
		return
	}
	writeJSON(w, cu)
}

func parseTimeRange(r *http.Request) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")

	if startStr == "" && endStr == "" {
		// Default to the last hour
		end := time.Now().UTC()
		start := end.Add(-time.Hour)
		return start, end, nil
	}
	if startStr == "" || endStr == "" {
		return time.Time{}, time.Time{}, errors.New("start and end must be given together")
	}

	start, err := time.Parse(time.RFC3339, startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start time: %w", err)
	}

	end, err := time.Parse(time.RFC3339, endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end time: %w", err)
	}

	if !end.After(start) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be before end time")
	}

	return start, end, nil
}

func (s *Server) writeControllerError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	ctx := r.Context()
	switch {
	case errors.Is(err, controller.ErrBusy):
		writeJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, controller.ErrNotReady):
		writeJSONError(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, controller.ErrUnknownDevice):
		writeJSONError(w, err.Error(), http.StatusNotFound)
	default:
		log.Ctx(ctx).ErrorContext(ctx, msg, slog.Any("error", err))
		writeJSONError(w, msg+": "+err.Error(), http.StatusBadGateway)
	}
}
