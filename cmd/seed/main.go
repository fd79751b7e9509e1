package main

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/jameshartig/emporiasync/pkg/address"
	"github.com/jameshartig/emporiasync/pkg/log"
	"github.com/jameshartig/emporiasync/pkg/registry"
	"github.com/jameshartig/emporiasync/pkg/storage"
	"github.com/jameshartig/emporiasync/pkg/types"
	"github.com/levenlabs/go-lflag"
)

const (
	panelGID   = 100001
	outletGID  = 200002
	chargerGID = 300003
)

var circuits = []string{"Kitchen", "HVAC", "Dryer", "Garage", "", "Office"}

func main() {
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		os.Setenv("FIRESTORE_EMULATOR_HOST", "127.0.0.1:8087")
	}
	s := storage.Configured()
	lflag.Configure()
	log.SetDefault()

	ctx := context.Background()
	defer s.Close()

	log.Ctx(ctx).InfoContext(ctx, "seeding mock nodes")

	reg := registry.New(s)
	if err := reg.Load(ctx); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to load nodes", slog.Any("error", err))
		os.Exit(1)
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	hour := float64(time.Now().Hour())

	panel := add(ctx, reg, types.NodeInfo{
		Address: address.Device(panelGID),
		Name:    "Main Panel",
		Kind:    types.NodeKindDevice,
		GID:     panelGID,
	})
	must(ctx, panel.UpdateStatus(ctx, true))

	var totalKW float64
	for i, name := range circuits {
		num := string(rune('1' + i))
		ch := add(ctx, reg, types.NodeInfo{
			Address:    address.Channel(panelGID, num),
			Parent:     panel.Address(),
			Name:       types.ChannelName(name, num),
			Kind:       types.NodeKindChannel,
			GID:        panelGID,
			ChannelNum: num,
		})
		// evening peak
		kw := 0.2 + rng.Float64()*0.8 + 1.5*math.Exp(-math.Pow(hour-19, 2)/8)
		totalKW += kw
		must(ctx, ch.UpdateCurrent(ctx, types.Round4(kw)))
		must(ctx, ch.UpdateDay(ctx, types.Round4(kw*hour)))
		must(ctx, ch.UpdateMonth(ctx, types.Round4(kw*24*15)))
	}
	must(ctx, panel.UpdateCurrent(ctx, types.Round4(totalKW)))

	outlet := add(ctx, reg, types.NodeInfo{
		Address: address.Device(outletGID),
		Parent:  panel.Address(),
		Name:    "Dehumidifier",
		Kind:    types.NodeKindOutlet,
		GID:     outletGID,
	})
	must(ctx, outlet.UpdateState(ctx, rng.Intn(2) == 1))

	charger := add(ctx, reg, types.NodeInfo{
		Address: address.Device(chargerGID),
		Parent:  panel.Address(),
		Name:    "Garage Charger",
		Kind:    types.NodeKindCharger,
		GID:     chargerGID,
	})
	must(ctx, charger.UpdateState(ctx, true))
	must(ctx, charger.UpdateChargeRate(ctx, 32))
	must(ctx, charger.UpdateMaxChargeRate(ctx, 40))

	// read back through storage so a misconfigured provider fails loudly
	stored, err := s.GetNode(ctx, panel.Address())
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "seeded panel not in storage", slog.Any("error", err))
		os.Exit(1)
	}
	log.Ctx(ctx).InfoContext(
		ctx,
		"seeding complete",
		slog.Int("nodes", reg.Len()),
		slog.Float64("panelKW", stored.Drivers[types.DriverPower]),
	)
}

func add(ctx context.Context, reg *registry.Registry, info types.NodeInfo) *registry.Node {
	if n := reg.Node(info.Address); n != nil {
		return n
	}
	n, err := reg.AddNode(ctx, info)
	if errors.Is(err, registry.ErrNodeExists) {
		return reg.Node(info.Address)
	}
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to add node", slog.String("address", info.Address), slog.Any("error", err))
		os.Exit(1)
	}
	return n
}

func must(ctx context.Context, err error) {
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to update node", slog.Any("error", err))
		os.Exit(1)
	}
}
