package tools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nugget/quarry/internal/httpkit"
)

// HTTPToolDef declares a tool executed by a remote backend.
type HTTPToolDef struct {
	Name        string
	Description string
	Schema      map[string]any
	Endpoint    string
	Timeout     time.Duration
	CostPerCall float64
}

type backendRequest struct {
	Tool   string         `json:"tool"`
	Input  map[string]any `json:"input"`
	Caller CallerContext  `json:"caller"`
}

type backendResponse struct {
	Status   Status         `json:"status"`
	Payload  any            `json:"payload"`
	Error    string         `json:"error"`
	Metadata map[string]any `json:"metadata"`
}

// NewHTTPTool returns a tool whose handler POSTs the validated input and
// the caller context to def.Endpoint. The backend replies with a
// Result-shaped JSON object; a reply without a status is treated as a
// SUCCESS payload.
func NewHTTPTool(def HTTPToolDef, client *http.Client) *Tool {
	if client == nil {
		client = httpkit.NewClient()
	}
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Tool{
		Name:        def.Name,
		Description: def.Description,
		Schema:      def.Schema,
		CostPerCall: def.CostPerCall,
		Handler: func(ctx context.Context, input map[string]any) (Result, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			var out backendResponse
			err := httpkit.PostJSON(ctx, client, def.Endpoint, backendRequest{
				Tool:   def.Name,
				Input:  input,
				Caller: CallerFromContext(ctx),
			}, &out)
			if err != nil {
				var se *httpkit.StatusError
				if errors.As(err, &se) {
					return Result{}, fmt.Errorf("backend returned HTTP %d: %s", se.StatusCode, se.Body)
				}
				if errors.Is(err, context.DeadlineExceeded) {
					return Result{}, fmt.Errorf("backend did not answer within %s", timeout)
				}
				return Result{}, err
			}

			res := Result{
				Status:   out.Status,
				Payload:  out.Payload,
				Error:    out.Error,
				Metadata: out.Metadata,
			}
			switch res.Status {
			case "":
				res.Status = StatusSuccess
			case StatusSuccess, StatusPartial:
			case StatusError:
				if res.Error == "" {
					res.Error = "backend reported an error"
				}
			default:
				return Result{}, fmt.Errorf("backend returned unknown status %q", res.Status)
			}
			return res, nil
		},
	}
}
