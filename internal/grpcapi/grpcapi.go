// Package grpcapi is the optional administrative surface of SPEC_FULL.md's
// domain-stack expansion: a read-only inspection front end for a running
// Controller, generalizing the teacher's newOltServer/StartOltServer/
// StopOltServer grpc.Server lifecycle from a device-control surface (VOLTHA
// talks to BBSim over it) to a read-only one -- this core does not implement
// the AVDECC responder side (non-goal), so nothing here accepts mutating
// calls.
package grpcapi

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/avcontroller/avcontroller-go/internal/model"
	"github.com/avcontroller/avcontroller-go/internal/observer"
	"github.com/avcontroller/avcontroller-go/internal/snapshot"
)

var apiLogger = logrus.WithFields(logrus.Fields{"module": "grpcapi"})

// FleetSource is the read-only slice of Controller this package depends on,
// kept narrow so grpcapi never needs to import the root controller package
// (which would create an import cycle, since controller is the thing that
// wires grpcapi in).
type FleetSource interface {
	Entities() []*model.ControlledEntity
	Entity(id model.EntityID) (*model.ControlledEntity, error)
	Subscribe(sink observer.Sink) (unsubscribe func())
}

// Server bundles a gRPC health endpoint (the teacher's OltServer, pared down
// to the one RPC an inspection-only surface legitimately needs) with a REST
// front end for fleet listing, per-entity snapshots, and a recent-events
// feed, mirroring the teacher's grpc.Server-plus-separate-listener shape.
type Server struct {
	fleet FleetSource

	grpcServer *grpc.Server
	health     *health.Server
	httpServer *http.Server

	mu     sync.Mutex
	events []observer.Event
	cap    int
	unsub  func()
}

const defaultEventBufferCap = 512

// New builds a Server bound to fleet. It does not start listening until
// Start is called, matching the teacher's newOltServer/StartOltServer split.
func New(fleet FleetSource) *Server {
	s := &Server{
		fleet:  fleet,
		health: health.NewServer(),
		cap:    defaultEventBufferCap,
	}
	s.unsub = fleet.Subscribe(observer.SinkFunc(s.recordEvent))
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return s
}

func (s *Server) recordEvent(ev observer.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	if len(s.events) > s.cap {
		s.events = s.events[len(s.events)-s.cap:]
	}
}

// StartGRPC launches the health-check gRPC server on address, the same
// go func() { _ = grpcServer.Serve(lis) }() shape the teacher's
// newOltServer uses.
func (s *Server) StartGRPC(address string) error {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "grpcapi: listen on %s", address)
	}
	s.grpcServer = grpc.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	reflection.Register(s.grpcServer)

	go func() { _ = s.grpcServer.Serve(lis) }()
	apiLogger.WithFields(logrus.Fields{"address": address}).Info("grpcapi health server listening")
	return nil
}

// StartHTTP launches the read-only REST surface on address.
func (s *Server) StartHTTP(address string) error {
	router := mux.NewRouter()
	router.HandleFunc("/fleet", s.handleFleet).Methods(http.MethodGet)
	router.HandleFunc("/fleet/{entityID}", s.handleEntity).Methods(http.MethodGet)
	router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	s.httpServer = &http.Server{Addr: address, Handler: router}
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "grpcapi: listen on %s", address)
	}
	go func() { _ = s.httpServer.Serve(lis) }()
	apiLogger.WithFields(logrus.Fields{"address": address}).Info("grpcapi REST server listening")
	return nil
}

// Stop tears down both servers and the event subscription, the
// StopOltServer counterpart.
func (s *Server) Stop() {
	if s.unsub != nil {
		s.unsub()
	}
	if s.grpcServer != nil {
		apiLogger.Info("stopping grpcapi health server")
		s.grpcServer.Stop()
		s.grpcServer = nil
	}
	if s.httpServer != nil {
		apiLogger.Info("stopping grpcapi REST server")
		_ = s.httpServer.Close()
		s.httpServer = nil
	}
}

type fleetSummary struct {
	EntityID      string `json:"entityID"`
	Advertised    bool   `json:"advertised"`
	FatalError    bool   `json:"fatalError"`
	Compatibility string `json:"compatibility"`
}

func (s *Server) handleFleet(w http.ResponseWriter, r *http.Request) {
	entities := s.fleet.Entities()
	out := make([]fleetSummary, 0, len(entities))
	for _, e := range entities {
		flags, _ := e.CompatibilityFlags()
		out = append(out, fleetSummary{
			EntityID:      e.ID().String(),
			Advertised:    e.Advertised(),
			FatalError:    e.FatalError(),
			Compatibility: flags.String(),
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["entityID"]
	id, err := model.ParseEntityID(idStr)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	e, err := s.fleet.Entity(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, snapshot.BuildEntityDocument(e))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	out := make([]observer.Event, len(s.events))
	copy(out, s.events)
	s.mu.Unlock()
	writeJSON(w, out)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		apiLogger.WithFields(logrus.Fields{"err": err}).Warn("failed to encode REST response")
	}
}
