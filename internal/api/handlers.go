package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"

	"github.com/malbeclabs/pimd/internal/mrt"
	"github.com/malbeclabs/pimd/internal/router"
)

// StatusSource is the part of the router the status endpoints read.
type StatusSource interface {
	Snapshot() router.Snapshot
	Route(src, grp netip.Addr, kinds mrt.Kinds) (router.RouteInfo, bool)
	RP(grp netip.Addr) (netip.Addr, bool)
}

// RPMatch answers a group to RP query.
type RPMatch struct {
	Group netip.Addr `json:"group"`
	RP    netip.Addr `json:"rp"`
}

// NewHandler returns the status routes:
//
//	GET /status                 full snapshot
//	GET /interfaces
//	GET /neighbors
//	GET /routes[?group=G]       route entries, optionally of one group
//	GET /route?group=G[&source=S]  the entry that forwards (S,G)
//	GET /rp[?group=G]           the RP-set, or the RP serving G
//	GET /bsr
func NewHandler(log *slog.Logger, src StatusSource) http.Handler {
	h := &handler{log: log, src: src}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", h.serveStatus)
	mux.HandleFunc("GET /interfaces", h.serveInterfaces)
	mux.HandleFunc("GET /neighbors", h.serveNeighbors)
	mux.HandleFunc("GET /routes", h.serveRoutes)
	mux.HandleFunc("GET /route", h.serveRoute)
	mux.HandleFunc("GET /rp", h.serveRP)
	mux.HandleFunc("GET /bsr", h.serveBSR)
	return mux
}

type handler struct {
	log *slog.Logger
	src StatusSource
}

func (h *handler) serveStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.src.Snapshot())
}

func (h *handler) serveInterfaces(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.src.Snapshot().Interfaces)
}

func (h *handler) serveNeighbors(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.src.Snapshot().Neighbors)
}

func (h *handler) serveRoutes(w http.ResponseWriter, r *http.Request) {
	routes := h.src.Snapshot().Routes
	if q := r.URL.Query().Get("group"); q != "" {
		grp, err := netip.ParseAddr(q)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid group: %v", err), http.StatusBadRequest)
			return
		}
		var filtered []router.RouteInfo
		for _, rt := range routes {
			if rt.Group == grp {
				filtered = append(filtered, rt)
			}
		}
		routes = filtered
	}
	if routes == nil {
		routes = []router.RouteInfo{}
	}
	h.writeJSON(w, routes)
}

func (h *handler) serveRoute(w http.ResponseWriter, r *http.Request) {
	grp, err := netip.ParseAddr(r.URL.Query().Get("group"))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid group: %v", err), http.StatusBadRequest)
		return
	}
	var src netip.Addr
	if q := r.URL.Query().Get("source"); q != "" {
		if src, err = netip.ParseAddr(q); err != nil {
			http.Error(w, fmt.Sprintf("invalid source: %v", err), http.StatusBadRequest)
			return
		}
	}
	kinds := mrt.MatchWC | mrt.MatchRP
	if src.IsValid() {
		kinds = mrt.MatchAll
	}
	rt, ok := h.src.Route(src, grp, kinds)
	if !ok {
		http.Error(w, "no route", http.StatusNotFound)
		return
	}
	h.writeJSON(w, rt)
}

func (h *handler) serveRP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("group")
	if q == "" {
		h.writeJSON(w, h.src.Snapshot().RPs)
		return
	}
	grp, err := netip.ParseAddr(q)
	if err != nil || !grp.IsMulticast() {
		http.Error(w, "invalid group", http.StatusBadRequest)
		return
	}
	rp, ok := h.src.RP(grp)
	if !ok {
		http.Error(w, "no rp for group", http.StatusNotFound)
		return
	}
	h.writeJSON(w, RPMatch{Group: grp, RP: rp})
}

func (h *handler) serveBSR(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.src.Snapshot().BSR)
}

func (h *handler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("api: error encoding response", "error", err)
	}
}
