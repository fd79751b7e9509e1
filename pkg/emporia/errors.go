package emporia

import "fmt"

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	Status   int
	Endpoint string
	Body     string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s: status %d", e.Endpoint, e.Status)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Endpoint, e.Status, e.Body)
}
