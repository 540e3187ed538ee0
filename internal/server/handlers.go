package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/devrev/pairdb/queryrouter/internal/model"
	"github.com/devrev/pairdb/queryrouter/internal/policy"
	"github.com/devrev/pairdb/queryrouter/internal/ring"
	"github.com/devrev/pairdb/queryrouter/internal/router"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// HostsResponse lists the registry snapshot
type HostsResponse struct {
	Version uint64                  `json:"version"`
	Hosts   []*model.Host           `json:"hosts"`
	Counts  map[model.HostState]int `json:"counts"`
}

// AddHostRequest is the body of POST /v1/hosts
type AddHostRequest struct {
	Address    string   `json:"address"`
	Datacenter string   `json:"datacenter"`
	Rack       string   `json:"rack"`
	Tokens     []string `json:"tokens"`
	// State is "up" (default) or "down"
	State string `json:"state"`
}

// HostResponse reports a host after a state change
type HostResponse struct {
	Host    *model.Host `json:"host"`
	Changed bool        `json:"changed"`
}

// PlanHost is one entry of a query plan
type PlanHost struct {
	Address    string `json:"address"`
	Datacenter string `json:"datacenter"`
	Rack       string `json:"rack,omitempty"`
	Distance   string `json:"distance"`
}

// PlanResponse is the ordered output of a fresh query plan
type PlanResponse struct {
	Policy   string     `json:"policy"`
	Keyspace string     `json:"keyspace,omitempty"`
	Key      string     `json:"key,omitempty"`
	Hosts    []PlanHost `json:"hosts"`
}

// RangeResponse is one token range of the ring
type RangeResponse struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Owner string `json:"owner"`
}

// RingResponse describes the current token ring
type RingResponse struct {
	Partitioner string          `json:"partitioner"`
	Tokens      int             `json:"tokens"`
	Keyspaces   []string        `json:"keyspaces"`
	Ranges      []RangeResponse `json:"ranges"`
}

// KeyspaceResponse describes one registered keyspace
type KeyspaceResponse struct {
	Name     string `json:"name"`
	Strategy string `json:"strategy"`
}

// ReplicasResponse lists the replicas of one routing key
type ReplicasResponse struct {
	Keyspace string   `json:"keyspace"`
	Key      string   `json:"key"`
	Token    string   `json:"token"`
	Replicas []string `json:"replicas"`
}

// Handlers contains the admin API handlers.
type Handlers struct {
	router *router.Router
	out    *errorWriter
	logger *zap.Logger
}

// ListHosts handles GET /v1/hosts requests.
func (h *Handlers) ListHosts(w http.ResponseWriter, r *http.Request) {
	snap := h.router.Registry().AllHosts()
	hosts := snap.Hosts()
	if hosts == nil {
		hosts = []*model.Host{}
	}
	h.out.writeJSON(w, http.StatusOK, HostsResponse{
		Version: snap.Version(),
		Hosts:   hosts,
		Counts:  snap.CountByState(),
	})
}

// AddHost handles POST /v1/hosts requests.
func (h *Handlers) AddHost(w http.ResponseWriter, r *http.Request) {
	var req AddHostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.out.writeError(w, r, http.StatusBadRequest, ErrorCodeInvalidRequest, "invalid request body: "+err.Error())
		return
	}
	req.Address = strings.TrimSpace(req.Address)
	if req.Address == "" {
		h.out.writeError(w, r, http.StatusBadRequest, ErrorCodeInvalidRequest, "address is required")
		return
	}
	state := strings.ToLower(req.State)
	if state != "" && state != "up" && state != "down" {
		h.out.writeError(w, r, http.StatusBadRequest, ErrorCodeInvalidRequest, fmt.Sprintf("unknown host state %q", req.State))
		return
	}

	reg := h.router.Registry()
	changed := reg.Add(model.Host{
		Address:    req.Address,
		Datacenter: req.Datacenter,
		Rack:       req.Rack,
		Tokens:     req.Tokens,
	})
	if state == "down" {
		changed = reg.MarkDown(req.Address) || changed
	} else {
		changed = reg.MarkUp(req.Address) || changed
	}

	host, _ := reg.AllHosts().Get(req.Address)
	h.logger.Info("Host registered through admin API",
		zap.String("address", req.Address),
		zap.Bool("changed", changed),
		zap.String("request_id", RequestIDFromContext(r.Context())))
	h.out.writeJSON(w, http.StatusCreated, HostResponse{Host: host, Changed: changed})
}

// MarkHostUp handles PUT /v1/hosts/{address}/up requests.
func (h *Handlers) MarkHostUp(w http.ResponseWriter, r *http.Request) {
	h.changeHost(w, r, h.router.Registry().MarkUp)
}

// MarkHostDown handles PUT /v1/hosts/{address}/down requests.
func (h *Handlers) MarkHostDown(w http.ResponseWriter, r *http.Request) {
	h.changeHost(w, r, h.router.Registry().MarkDown)
}

func (h *Handlers) changeHost(w http.ResponseWriter, r *http.Request, apply func(addr string) bool) {
	addr := mux.Vars(r)["address"]
	reg := h.router.Registry()
	if _, ok := reg.AllHosts().Get(addr); !ok {
		h.out.writeError(w, r, http.StatusNotFound, ErrorCodeHostNotFound, fmt.Sprintf("host %s not found", addr))
		return
	}
	changed := apply(addr)
	host, ok := reg.AllHosts().Get(addr)
	if !ok {
		// Removed concurrently
		h.out.writeError(w, r, http.StatusNotFound, ErrorCodeHostNotFound, fmt.Sprintf("host %s not found", addr))
		return
	}
	h.out.writeJSON(w, http.StatusOK, HostResponse{Host: host, Changed: changed})
}

// RemoveHost handles DELETE /v1/hosts/{address} requests.
func (h *Handlers) RemoveHost(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	if !h.router.Registry().Remove(addr) {
		h.out.writeError(w, r, http.StatusNotFound, ErrorCodeHostNotFound, fmt.Sprintf("host %s not found", addr))
		return
	}
	h.logger.Info("Host removed through admin API",
		zap.String("address", addr),
		zap.String("request_id", RequestIDFromContext(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

// QueryPlan handles GET /v1/plan requests. The plan is drained up to limit
// hosts; limit 0 drains it completely.
func (h *Handlers) QueryPlan(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	keyspace := q.Get("keyspace")
	key := q.Get("key")

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.out.writeError(w, r, http.StatusBadRequest, ErrorCodeInvalidRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var routingKey []byte
	if key != "" {
		routingKey = []byte(key)
	}

	pol := h.router.Policy()
	hosts := policy.Drain(h.router.QueryPlan(keyspace, routingKey), limit)
	resp := PlanResponse{
		Policy:   pol.Name(),
		Keyspace: keyspace,
		Key:      key,
		Hosts:    make([]PlanHost, 0, len(hosts)),
	}
	for _, host := range hosts {
		resp.Hosts = append(resp.Hosts, PlanHost{
			Address:    host.Address,
			Datacenter: host.Datacenter,
			Rack:       host.Rack,
			Distance:   pol.Distance(host).String(),
		})
	}
	h.out.writeJSON(w, http.StatusOK, resp)
}

// tokenRing returns the current ring or writes an error
func (h *Handlers) tokenRing(w http.ResponseWriter, r *http.Request) (*ring.TokenRing, bool) {
	meta := h.router.Metadata()
	if meta == nil || meta.TokenRing() == nil {
		h.out.writeError(w, r, http.StatusServiceUnavailable, ErrorCodeNoTokenRing, "token metadata is not configured")
		return nil, false
	}
	return meta.TokenRing(), true
}

// Ring handles GET /v1/ring requests.
func (h *Handlers) Ring(w http.ResponseWriter, r *http.Request) {
	tr, ok := h.tokenRing(w, r)
	if !ok {
		return
	}

	resp := RingResponse{
		Partitioner: tr.Partitioner().Name(),
		Tokens:      tr.Len(),
		Keyspaces:   []string{},
	}
	for _, ks := range h.router.Metadata().Keyspaces() {
		resp.Keyspaces = append(resp.Keyspaces, ks.Name)
	}
	ranges := tr.Ranges()
	resp.Ranges = make([]RangeResponse, 0, len(ranges))
	for _, rg := range ranges {
		resp.Ranges = append(resp.Ranges, RangeResponse{Start: rg.Start.String(), End: rg.End.String(), Owner: rg.Owner})
	}
	h.out.writeJSON(w, http.StatusOK, resp)
}

// ListKeyspaces handles GET /v1/keyspaces requests.
func (h *Handlers) ListKeyspaces(w http.ResponseWriter, r *http.Request) {
	meta := h.router.Metadata()
	resp := []KeyspaceResponse{}
	if meta != nil {
		for _, ks := range meta.Keyspaces() {
			resp = append(resp, KeyspaceResponse{Name: ks.Name, Strategy: ks.Strategy.Name()})
		}
	}
	h.out.writeJSON(w, http.StatusOK, resp)
}

// Replicas handles GET /v1/keyspaces/{name}/replicas requests.
func (h *Handlers) Replicas(w http.ResponseWriter, r *http.Request) {
	keyspace := mux.Vars(r)["name"]
	key := r.URL.Query().Get("key")
	if key == "" {
		h.out.writeError(w, r, http.StatusBadRequest, ErrorCodeInvalidRequest, "key is required")
		return
	}

	tr, ok := h.tokenRing(w, r)
	if !ok {
		return
	}
	if !tr.HasKeyspace(keyspace) {
		h.out.writeError(w, r, http.StatusNotFound, ErrorCodeUnknownKS, fmt.Sprintf("keyspace %s not found", keyspace))
		return
	}

	token := tr.Partitioner().Hash([]byte(key))
	replicas := tr.Replicas(keyspace, token)
	if replicas == nil {
		replicas = []string{}
	}
	h.out.writeJSON(w, http.StatusOK, ReplicasResponse{
		Keyspace: keyspace,
		Key:      key,
		Token:    token.String(),
		Replicas: replicas,
	})
}
