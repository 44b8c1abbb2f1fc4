// Package proxy dispatches inbound requests to configured upstream backends.
//
// Dispatch is a straight-line pipeline: match the route, reject disallowed
// methods before any backend contact, rewrite the path, forward with the
// header allow-list plus derived annotations, and relay the backend response
// verbatim. Exactly one backend attempt is made per request.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"trustedge/internal/platform/metrics"
	pkgerrors "trustedge/pkg/domain-errors"
	"trustedge/pkg/requestcontext"
)

// allowedMethods is the closed set of methods the dispatcher forwards.
var allowedMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodDelete:  {},
	http.MethodHead:    {},
	http.MethodOptions: {},
}

// bodiedMethods carry a request body whose Content-Type must survive
// forwarding.
var bodiedMethods = map[string]struct{}{
	http.MethodPost: {},
	http.MethodPut:  {},
}

// Dispatcher forwards proxy-route requests to their backends.
type Dispatcher struct {
	table     *Table
	transport Transport
	metrics   *metrics.Metrics
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewDispatcher assembles a dispatcher over the route table and transport.
func NewDispatcher(table *Table, transport Transport, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		table:     table,
		transport: transport,
		metrics:   m,
		logger:    logger,
		tracer:    otel.Tracer("trustedge/proxy"),
	}
}

// Register mounts the dispatcher under every configured route prefix.
func (d *Dispatcher) Register(r chi.Router) {
	for _, route := range d.table.Routes() {
		r.Handle(route.Prefix+"*", http.HandlerFunc(d.handle))
	}
}

func (d *Dispatcher) handle(w http.ResponseWriter, r *http.Request) {
	ctx, span := d.tracer.Start(r.Context(), "proxy.dispatch",
		trace.WithAttributes(attribute.String("http.method", r.Method)))
	defer span.End()

	route, ok := d.table.Match(r.URL.Path)
	if !ok {
		d.writeError(w, r, route, pkgerrors.New(pkgerrors.CodeNotFound, "no route for path"))
		return
	}
	span.SetAttributes(attribute.String("proxy.backend", route.Backend))

	// CORS headers go on every response of a CORS route, error or not.
	if route.CORS {
		applyCORS(w.Header())
	}

	if _, ok := allowedMethods[r.Method]; !ok {
		// Rejected before any backend contact.
		d.writeError(w, r, route, pkgerrors.Newf(pkgerrors.CodeMethodNotAllowed, "method %s not allowed", r.Method))
		return
	}

	outbound, err := d.buildOutbound(ctx, route, r)
	if err != nil {
		d.writeError(w, r, route, err)
		return
	}

	timer := prometheus.NewTimer(d.metrics.BackendDuration.WithLabelValues(route.Backend))
	resp, err := d.transport.Do(ctx, route.Backend, outbound)
	timer.ObserveDuration()
	if err != nil {
		d.writeError(w, r, route, d.classifyBackendError(ctx, route, err))
		return
	}
	defer resp.Body.Close()

	d.relay(w, r, route, resp)
}

// buildOutbound constructs the forwarded request: rewritten path against the
// backend origin, allow-listed headers, derived annotation headers, and the
// appended X-Forwarded-For chain.
func (d *Dispatcher) buildOutbound(ctx context.Context, route Route, r *http.Request) (*http.Request, error) {
	origin, ok := d.transport.Origin(route.Backend)
	if !ok {
		return nil, pkgerrors.Newf(pkgerrors.CodeConfiguration, "unknown backend %q", route.Backend)
	}

	target := *origin
	target.Path = strings.TrimSuffix(origin.Path, "/") + route.Rewrite(r.URL.Path)
	target.RawQuery = r.URL.RawQuery

	var body io.Reader
	if _, bodied := bodiedMethods[r.Method]; bodied {
		body = r.Body
	}
	outbound, err := http.NewRequestWithContext(ctx, r.Method, target.String(), body)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "build outbound request")
	}

	for _, name := range forwardedHeaders {
		if v := r.Header.Get(name); v != "" {
			outbound.Header.Set(name, v)
		}
	}
	if _, bodied := bodiedMethods[r.Method]; bodied {
		if ct := r.Header.Get("Content-Type"); ct != "" {
			outbound.Header.Set("Content-Type", ct)
		}
	}

	// Derived headers never overwrite anything the client sent.
	for name, values := range DerivedHeaders(FromContext(ctx)) {
		if r.Header.Get(name) != "" {
			outbound.Header.Set(name, r.Header.Get(name))
			continue
		}
		for _, v := range values {
			outbound.Header.Add(name, v)
		}
	}

	if ip := requestcontext.ClientIP(ctx); ip != "" {
		xff := r.Header.Get("X-Forwarded-For")
		if xff != "" {
			xff += ", " + ip
		} else {
			xff = ip
		}
		outbound.Header.Set("X-Forwarded-For", xff)
	}

	return outbound, nil
}

func (d *Dispatcher) classifyBackendError(ctx context.Context, route Route, err error) error {
	kind := "unreachable"
	code := pkgerrors.CodeBadGateway
	if errors.Is(err, context.DeadlineExceeded) {
		kind = "timeout"
		code = pkgerrors.CodeGatewayTimeout
	}
	d.metrics.BackendFailures.WithLabelValues(route.Backend, kind).Inc()
	d.logger.WarnContext(ctx, "backend call failed",
		"backend", route.Backend,
		"kind", kind,
		"error", err,
		"request_id", requestcontext.RequestID(ctx))
	return pkgerrors.Wrap(err, code, "backend "+route.Backend+" "+kind)
}

// relay copies the backend response to the client verbatim: status, headers
// and body, with no reinterpretation. On CORS routes the backend's own CORS
// headers are dropped; the fixed triple set before dispatch is the only one
// the client may see, and a duplicated Allow-Origin is rejected by browsers.
func (d *Dispatcher) relay(w http.ResponseWriter, r *http.Request, route Route, resp *http.Response) {
	for name, values := range resp.Header {
		if route.CORS && isCORSHeader(name) {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		d.logger.WarnContext(r.Context(), "response relay interrupted",
			"backend", route.Backend,
			"error", err,
			"request_id", requestcontext.RequestID(r.Context()))
	}
	d.count(route, resp.StatusCode)
}

func (d *Dispatcher) writeError(w http.ResponseWriter, r *http.Request, route Route, err error) {
	code := pkgerrors.CodeOf(err)
	status := pkgerrors.ToHTTPStatus(code)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": string(code)})
	d.count(route, status)
}

func (d *Dispatcher) count(route Route, status int) {
	label := route.Prefix
	if label == "" {
		label = "unmatched"
	}
	d.metrics.RequestsTotal.WithLabelValues(label, strconv.Itoa(status)).Inc()
}
