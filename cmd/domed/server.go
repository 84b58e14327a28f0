package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/w1xm/dome_interface/dome"
	"github.com/w1xm/dome_interface/journal"
)

// Dome is the driver surface the server exposes.
type Dome interface {
	OpenShutter() error
	CloseShutter() error
	SlewToAzimuth(degrees float64) error
	FindHome() error
	Park() error
	AbortSlew() error
	Action(name, params string) (string, error)
	Status() dome.Status
}

type Server struct {
	d       Dome
	journal *journal.Store

	statusMu   sync.RWMutex
	statusCond *sync.Cond
	status     dome.Status
}

func NewServer(d Dome, j *journal.Store) *Server {
	s := &Server{d: d, journal: j}
	s.statusCond = sync.NewCond(s.statusMu.RLocker())
	return s
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type Command struct {
	Command string  `json:"command"`
	Azimuth float64 `json:"azimuth"`
	Params  string  `json:"params"`
}

type CommandResult struct {
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

var errBadCommand = errors.New("bad command")

// run executes one operator command. Commands other than the dome motions
// are passed to the driver's Action.
func (s *Server) run(cmd Command) (string, error) {
	var err error
	switch cmd.Command {
	case "":
		return "", errBadCommand
	case "open_shutter":
		err = s.d.OpenShutter()
	case "close_shutter":
		err = s.d.CloseShutter()
	case "slew":
		err = s.d.SlewToAzimuth(cmd.Azimuth)
	case "find_home":
		err = s.d.FindHome()
	case "park":
		err = s.d.Park()
	case "abort", "stop":
		err = s.d.AbortSlew()
	default:
		return s.d.Action(cmd.Command, cmd.Params)
	}
	if err != nil {
		return "", err
	}
	return "ok", nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Print(err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(data)
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.d.Status())
}

func (s *Server) ActionHandler(w http.ResponseWriter, r *http.Request) {
	var cmd Command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, CommandResult{Error: err.Error()})
		return
	}
	result, err := s.run(cmd)
	if err != nil {
		log.Printf("%v: %s: %v", r.RemoteAddr, cmd.Command, err)
		code := http.StatusConflict
		switch {
		case errors.Is(err, errBadCommand), errors.Is(err, dome.ErrUnknownAction), errors.Is(err, dome.ErrInvalidAzimuth):
			code = http.StatusBadRequest
		case errors.Is(err, dome.ErrNotConnected), errors.Is(err, dome.ErrNotReady):
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, CommandResult{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, CommandResult{Result: result})
}

func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
	if s.journal == nil {
		http.Error(w, "journal disabled", http.StatusNotFound)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, fmt.Sprintf("bad limit %q", v), http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Println(err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(v interface{}) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		return conn.WriteJSON(v)
	}

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var msg Command
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			result, err := s.run(msg)
			reply := CommandResult{Result: result}
			if err != nil {
				reply.Error = err.Error()
			}
			if err := send(reply); err != nil {
				return
			}
		}
	}()

	if err := send(s.d.Status()); err != nil {
		return
	}
	for ctx.Err() == nil {
		s.statusMu.RLock()
		s.statusCond.Wait()
		status := s.status
		s.statusMu.RUnlock()
		if ctx.Err() != nil {
			return
		}
		if err := send(status); err != nil {
			log.Print(err)
			return
		}
	}
}

func (s *Server) statusCallback(status dome.Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status
	s.statusCond.Broadcast()
}
