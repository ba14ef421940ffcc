package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var skuSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"sku":      map[string]any{"type": "string"},
		"quantity": map[string]any{"type": "integer", "minimum": 0},
	},
	"required":             []any{"sku"},
	"additionalProperties": false,
}

func newTestRegistry(t *testing.T, handler Handler, opts ...Option) *Registry {
	t.Helper()
	r := NewRegistry(opts...)
	if err := r.Register(&Tool{Name: "inventory_lookup", Description: "stock", Schema: skuSchema, Handler: handler}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	return r
}

func TestRegister_Duplicate(t *testing.T) {
	r := newTestRegistry(t, func(context.Context, map[string]any) (Result, error) { return Success("ok"), nil })

	err := r.Register(&Tool{Name: "inventory_lookup", Handler: func(context.Context, map[string]any) (Result, error) { return Result{}, nil }})
	var dup *DuplicateToolError
	if !errors.As(err, &dup) {
		t.Fatalf("err = %v, want *DuplicateToolError", err)
	}
	if dup.Name != "inventory_lookup" {
		t.Errorf("dup.Name = %q", dup.Name)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestRegister_Rejects(t *testing.T) {
	r := NewRegistry()
	tests := []struct {
		name string
		tool *Tool
	}{
		{"nil", nil},
		{"no name", &Tool{Handler: func(context.Context, map[string]any) (Result, error) { return Result{}, nil }}},
		{"no handler", &Tool{Name: "x"}},
		{"bad schema", &Tool{Name: "y", Schema: map[string]any{"type": 12}, Handler: func(context.Context, map[string]any) (Result, error) { return Result{}, nil }}},
	}
	for _, tt := range tests {
		if err := r.Register(tt.tool); err == nil {
			t.Errorf("%s: Register should fail", tt.name)
		}
	}
}

func TestExecute(t *testing.T) {
	tests := []struct {
		name       string
		tool       string
		input      map[string]any
		handler    Handler
		wantStatus Status
		wantErr    string
		wantCalled bool
	}{
		{
			name:  "success",
			tool:  "inventory_lookup",
			input: map[string]any{"sku": "A-1"},
			handler: func(_ context.Context, in map[string]any) (Result, error) {
				return Success(map[string]any{"sku": in["sku"], "on_hand": 40}), nil
			},
			wantStatus: StatusSuccess,
			wantCalled: true,
		},
		{
			name:       "unknown tool",
			tool:       "teleport",
			input:      map[string]any{},
			wantStatus: StatusError,
			wantErr:    "not available",
		},
		{
			name:       "missing required field",
			tool:       "inventory_lookup",
			input:      map[string]any{"quantity": 3},
			wantStatus: StatusError,
			wantErr:    "invalid input",
		},
		{
			name:       "wrong type",
			tool:       "inventory_lookup",
			input:      map[string]any{"sku": "A-1", "quantity": "three"},
			wantStatus: StatusError,
			wantErr:    "invalid input",
		},
		{
			name:       "extra field",
			tool:       "inventory_lookup",
			input:      map[string]any{"sku": "A-1", "drop_table": true},
			wantStatus: StatusError,
			wantErr:    "invalid input",
		},
		{
			name:  "handler error",
			tool:  "inventory_lookup",
			input: map[string]any{"sku": "A-1"},
			handler: func(context.Context, map[string]any) (Result, error) {
				return Result{}, errors.New("warehouse db offline")
			},
			wantStatus: StatusError,
			wantErr:    "warehouse db offline",
			wantCalled: true,
		},
		{
			name:  "handler panic",
			tool:  "inventory_lookup",
			input: map[string]any{"sku": "A-1"},
			handler: func(context.Context, map[string]any) (Result, error) {
				panic("nil map write")
			},
			wantStatus: StatusError,
			wantErr:    "panicked",
			wantCalled: true,
		},
		{
			name:  "partial",
			tool:  "inventory_lookup",
			input: map[string]any{"sku": "A-1"},
			handler: func(context.Context, map[string]any) (Result, error) {
				return Partial([]string{"DC-1"}, "DC-2 unreachable"), nil
			},
			wantStatus: StatusPartial,
			wantCalled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var called atomic.Bool
			h := tt.handler
			if h == nil {
				h = func(context.Context, map[string]any) (Result, error) { return Success("ok"), nil }
			}
			r := newTestRegistry(t, func(ctx context.Context, in map[string]any) (Result, error) {
				called.Store(true)
				return h(ctx, in)
			})

			res := r.Execute(context.Background(), tt.tool, tt.input)
			if res.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s (error %q)", res.Status, tt.wantStatus, res.Error)
			}
			if tt.wantErr != "" && !strings.Contains(res.Error, tt.wantErr) {
				t.Errorf("error = %q, want substring %q", res.Error, tt.wantErr)
			}
			if called.Load() != tt.wantCalled {
				t.Errorf("handler called = %v, want %v", called.Load(), tt.wantCalled)
			}
			if res.Metadata["tool"] != tt.tool {
				t.Errorf("metadata tool = %v", res.Metadata["tool"])
			}
		})
	}
}

type denyAll struct{ seen AuthzRequest }

func (d *denyAll) Authorize(_ context.Context, req AuthzRequest) error {
	d.seen = req
	return &ErrToolDenied{ToolName: req.Tool, Reason: "persona lacks inventory access"}
}

func TestExecute_LeavesHandlerMetadataAlone(t *testing.T) {
	shared := map[string]any{"source": "wms"}
	r := newTestRegistry(t, func(context.Context, map[string]any) (Result, error) {
		res := Success("ok")
		res.Metadata = shared
		return res, nil
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := r.Execute(context.Background(), "inventory_lookup", map[string]any{"sku": "A-100"})
			if res.Metadata["source"] != "wms" || res.Metadata["tool"] != "inventory_lookup" {
				t.Errorf("metadata = %v", res.Metadata)
			}
		}()
	}
	wg.Wait()

	if len(shared) != 1 {
		t.Errorf("handler map mutated: %v", shared)
	}
}

func TestExecute_Authorizer(t *testing.T) {
	authz := &denyAll{}
	var called bool
	r := newTestRegistry(t, func(context.Context, map[string]any) (Result, error) {
		called = true
		return Success("ok"), nil
	}, WithAuthorizer(authz))

	ctx := WithCaller(context.Background(), CallerContext{Identity: "u-17", Persona: "procurement_analyst"})
	res := r.Execute(ctx, "inventory_lookup", map[string]any{"sku": "A-1"})

	if res.Status != StatusError || !strings.Contains(res.Error, "denied by policy") {
		t.Errorf("result = %+v, want policy denial", res)
	}
	if called {
		t.Error("handler must not run when denied")
	}
	if authz.seen.Caller.Identity != "u-17" || authz.seen.Caller.Persona != "procurement_analyst" {
		t.Errorf("authorizer saw caller %+v", authz.seen.Caller)
	}
}

func TestSpecs(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, map[string]any) (Result, error) { return Success(nil), nil }
	_ = r.Register(&Tool{Name: "b_tool", Handler: noop})
	_ = r.Register(&Tool{Name: "a_tool", Schema: skuSchema, Handler: noop})

	specs := r.Specs()
	if len(specs) != 2 || specs[0].Name != "b_tool" || specs[1].Name != "a_tool" {
		t.Fatalf("specs = %+v, want registration order", specs)
	}
	if specs[0].Parameters["type"] != "object" {
		t.Error("schema-less tool should advertise an empty object schema")
	}
}

func TestResultText(t *testing.T) {
	tests := []struct {
		res  Result
		want string
	}{
		{Success("42 units"), "42 units"},
		{Success(map[string]int{"on_hand": 42}), `{"on_hand":42}`},
		{Failure(errors.New("offline")), "Error: offline"},
		{Partial("DC-1: 4", "DC-2 unreachable"), "DC-1: 4\n(partial result: DC-2 unreachable)"},
	}
	for _, tt := range tests {
		if got := tt.res.Text(); got != tt.want {
			t.Errorf("Text() = %q, want %q", got, tt.want)
		}
	}
}

func TestCatalog_Registry(t *testing.T) {
	c := NewCatalog()
	noop := func(context.Context, map[string]any) (Result, error) { return Success(nil), nil }
	if err := c.Add(&Tool{Name: "inventory_lookup", Handler: noop, CostPerCall: 0.002}); err != nil {
		t.Fatal(err)
	}
	if err := c.Add(&Tool{Name: "open_orders", Handler: noop}); err != nil {
		t.Fatal(err)
	}
	var dup *DuplicateToolError
	if err := c.Add(&Tool{Name: "open_orders", Handler: noop}); !errors.As(err, &dup) {
		t.Errorf("duplicate Add = %v", err)
	}

	r, err := c.Registry([]string{"open_orders"})
	if err != nil {
		t.Fatalf("Registry: %v", err)
	}
	if _, ok := r.Get("inventory_lookup"); ok {
		t.Error("registry should only hold the requested tools")
	}

	var unavailable *ErrToolUnavailable
	if _, err := c.Registry([]string{"ghost"}); !errors.As(err, &unavailable) {
		t.Errorf("unknown tool err = %v", err)
	}
	if c.CostOf("inventory_lookup") != 0.002 || c.CostOf("ghost") != 0 {
		t.Error("CostOf mismatch")
	}
}

func TestHTTPTool(t *testing.T) {
	var got backendRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		switch got.Input["sku"] {
		case "partial":
			w.Write([]byte(`{"status":"PARTIAL","payload":[1],"error":"DC-2 down"}`))
		case "boom":
			w.WriteHeader(http.StatusInternalServerError)
			w.Write([]byte("exploded"))
		case "slow":
			time.Sleep(200 * time.Millisecond)
			w.Write([]byte(`{}`))
		default:
			w.Write([]byte(`{"payload":{"on_hand":40}}`))
		}
	}))
	defer srv.Close()

	r := NewRegistry()
	tool := NewHTTPTool(HTTPToolDef{
		Name:     "inventory_lookup",
		Schema:   skuSchema,
		Endpoint: srv.URL,
		Timeout:  50 * time.Millisecond,
	}, nil)
	if err := r.Register(tool); err != nil {
		t.Fatal(err)
	}

	ctx := WithCaller(context.Background(), CallerContext{Identity: "u-1", Permissions: []string{"inventory:read"}})

	res := r.Execute(ctx, "inventory_lookup", map[string]any{"sku": "A-1"})
	if res.Status != StatusSuccess {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if got.Tool != "inventory_lookup" || got.Caller.Identity != "u-1" || !got.Caller.HasPermission("inventory:read") {
		t.Errorf("backend request = %+v", got)
	}

	if res := r.Execute(ctx, "inventory_lookup", map[string]any{"sku": "partial"}); res.Status != StatusPartial || res.Error != "DC-2 down" {
		t.Errorf("partial result = %+v", res)
	}
	if res := r.Execute(ctx, "inventory_lookup", map[string]any{"sku": "boom"}); res.Status != StatusError || !strings.Contains(res.Error, "HTTP 500") {
		t.Errorf("error result = %+v", res)
	}
	if res := r.Execute(ctx, "inventory_lookup", map[string]any{"sku": "slow"}); res.Status != StatusError || !strings.Contains(res.Error, "did not answer") {
		t.Errorf("timeout result = %+v", res)
	}
}
