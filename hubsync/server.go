package hubsync

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

type addDeviceRequest struct {
	ID string `json:"id"`
}

type consumptionRequest struct {
	Consumption *float64 `json:"consumption"`
}

type refreshResponse struct {
	Error *string `json:"error"`
}

type statusResponse struct {
	Connected bool     `json:"connected"`
	State     string   `json:"state"`
	PushError *string  `json:"pushError"`
	PollError *string  `json:"pollError"`
	Devices   int      `json:"devices"`
	Tracked   []Device `json:"tracked"`
}

func errString(err error) *string {
	if err == nil {
		return nil
	}
	s := err.Error()
	return &s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	jsonMsg, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, fmt.Sprintf("Error marshalling response: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(jsonMsg)
}

func (hs *HubSync) DeviceList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, hs.Snapshot())
}

func (hs *HubSync) DeviceGet(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	t, ok := hs.Get(id)
	if !ok {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (hs *HubSync) AddDeviceHandler(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error decoding device: %v", err), http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		http.Error(w, "Invalid device: missing id", http.StatusBadRequest)
		return
	}
	if !hs.AddDevice(req.ID) {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func (hs *HubSync) UpdateConsumption(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req consumptionRequest
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error decoding consumption: %v", err), http.StatusBadRequest)
		return
	}
	if req.Consumption == nil || *req.Consumption < 0 {
		http.Error(w, "Invalid consumption", http.StatusBadRequest)
		return
	}

	if !hs.Update(id, *req.Consumption) {
		http.Error(w, "Device not found", http.StatusNotFound)
		return
	}
	t, _ := hs.Get(id)
	writeJSON(w, http.StatusOK, t)
}

func (hs *HubSync) RefreshHandler(w http.ResponseWriter, r *http.Request) {
	err := hs.Refresh(r.Context())
	writeJSON(w, http.StatusOK, refreshResponse{Error: errString(err)})
}

func (hs *HubSync) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Connected: hs.Connected(),
		State:     hs.PushState().String(),
		PushError: errString(hs.PushError()),
		PollError: errString(hs.PollError()),
		Devices:   hs.DeviceCount(),
		Tracked:   hs.Devices(),
	})
}

func (hs *HubSync) HealthCheck(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (hs *HubSync) Router() *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(hs.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/health", hs.HealthCheck).Methods(http.MethodGet)
	router.HandleFunc("/status", hs.StatusHandler).Methods(http.MethodGet)
	router.HandleFunc("/refresh", hs.RefreshHandler).Methods(http.MethodPost)
	router.HandleFunc("/devices", hs.DeviceList).Methods(http.MethodGet)
	router.HandleFunc("/devices", hs.AddDeviceHandler).Methods(http.MethodPost)
	router.HandleFunc("/devices/{id}", hs.DeviceGet).Methods(http.MethodGet)
	router.HandleFunc("/devices/{id}/consumption", hs.UpdateConsumption).Methods(http.MethodPut)
	return router
}

func (hs *HubSync) Serve() {
	log.Infof("Starting API server at %s", hs.ListenAddr)
	hs.srv = &http.Server{
		Addr:              hs.ListenAddr,
		Handler:           hs.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := hs.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("Could not listen on %s: %v\n", hs.ListenAddr, err)
	}
}

func (hs *HubSync) Start() {
	hs.StartSync()
	hs.Serve()
}
