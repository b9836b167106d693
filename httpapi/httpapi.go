// Package httpapi exposes a lidar driver over HTTP.
package httpapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/speters/lidarlink/frame"
	"github.com/speters/lidarlink/lidar"
	"github.com/speters/lidarlink/link"
)

// Device is the part of *lidar.Driver the HTTP bridge needs.
type Device interface {
	Codec() frame.Codec
	Config() lidar.Config
	Status() lidar.Status
	SendAndReceive(ctx context.Context, cmd *frame.Frame, sig lidar.Signature, perTry time.Duration, maxTries int) (*frame.Frame, error)
	ReceiveNext(ctx context.Context, timeout time.Duration) (*frame.Frame, error)
	StartDefaultStream(ctx context.Context) (*frame.Frame, error)
	StopStream(ctx context.Context) error
}

type Options struct {
	// CommandRate is the sustained rate of POST /command in requests per second; zero disables the limit.
	CommandRate  float64
	CommandBurst int

	Version   string
	BuildDate string

	// Metrics, if set, is served at MetricsPath.
	Metrics     http.Handler
	MetricsPath string
}

type Server struct {
	dev     Device
	opts    Options
	limiter *rate.Limiter
	log     *log.Entry
}

func New(dev Device, opts Options) *Server {
	s := &Server{dev: dev, opts: opts, log: log.WithField("component", "http")}
	if opts.CommandRate > 0 {
		burst := opts.CommandBurst
		if burst < 1 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(opts.CommandRate), burst)
	}
	return s
}

// Router returns the routes of the bridge.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/version", s.versionInfo).Methods("GET")
	router.HandleFunc("/status", s.getStatus).Methods("GET")
	router.HandleFunc("/command", s.postCommand).Methods("POST")
	router.HandleFunc("/frame", s.getFrame).Methods("GET")
	router.HandleFunc("/stream/start", s.startStream).Methods("POST")
	router.HandleFunc("/stream/stop", s.stopStream).Methods("POST")
	if s.opts.Metrics != nil {
		path := s.opts.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.Handle(path, s.opts.Metrics).Methods("GET")
	}
	return router
}

// FrameInfo is the JSON rendering of a frame.
type FrameInfo struct {
	ID       string   `json:"id,omitempty"`
	Hex      string   `json:"hex"`
	Payload  string   `json:"payloadHex"`
	Text     string   `json:"text,omitempty"`
	Tokens   []string `json:"tokens,omitempty"`
	Checksum uint32   `json:"checksum,omitempty"`
	Elapsed  string   `json:"elapsed,omitempty"`
}

func frameInfo(f *frame.Frame) FrameInfo {
	fi := FrameInfo{
		Hex:      hex.EncodeToString(f.Bytes()),
		Payload:  hex.EncodeToString(f.Payload()),
		Tokens:   f.Tokens(),
		Checksum: f.Checksum(),
	}
	if fi.Tokens != nil {
		fi.Text = string(f.Payload())
	}
	return fi
}

// CommandRequest is the body of POST /command. Exactly one of Payload (ASCII)
// and Hex must be set; Expect (tokens) or ExpectHex (payload prefix) select
// the reply, and no expectation accepts the first frame.
type CommandRequest struct {
	Payload   string `json:"payload"`
	Hex       string `json:"hex"`
	Expect    string `json:"expect"`
	ExpectHex string `json:"expectHex"`
	Timeout   string `json:"timeout"`
	Tries     int    `json:"tries"`
}

func (c CommandRequest) parse() (payload []byte, sig lidar.Signature, timeout time.Duration, err error) {
	switch {
	case c.Payload != "" && c.Hex != "":
		return nil, nil, 0, errors.New("payload and hex are mutually exclusive")
	case c.Hex != "":
		if payload, err = hex.DecodeString(c.Hex); err != nil {
			return nil, nil, 0, fmt.Errorf("hex: %w", err)
		}
	case c.Payload != "":
		payload = []byte(c.Payload)
	default:
		return nil, nil, 0, errors.New("no payload")
	}

	switch {
	case c.ExpectHex != "":
		p, err := hex.DecodeString(c.ExpectHex)
		if err != nil {
			return nil, nil, 0, fmt.Errorf("expectHex: %w", err)
		}
		sig = lidar.Prefix(p...)
	case c.Expect != "":
		sig = lidar.Tokens(c.Expect)
	default:
		sig = lidar.Any
	}

	if c.Timeout != "" {
		if timeout, err = time.ParseDuration(c.Timeout); err != nil {
			return nil, nil, 0, fmt.Errorf("timeout: %w", err)
		}
	}
	return payload, sig, timeout, nil
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.WriteHeader(code)
	e := json.NewEncoder(w)
	e.SetIndent("", "    ")
	e.Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	w.Header().Set("Content-Type", "text/plain; charset=UTF-8")
	w.WriteHeader(code)
	w.Write([]byte(err.Error()))
}

// errorCode maps driver errors onto HTTP status codes.
func errorCode(err error) int {
	switch {
	case errors.Is(err, link.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, frame.ErrPayloadTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, frame.ErrMalformed):
		return http.StatusBadRequest
	case errors.Is(err, link.ErrIO), errors.Is(err, link.ErrConnectFailed), errors.Is(err, link.ErrConnectTimeout):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) versionInfo(w http.ResponseWriter, r *http.Request) {
	v := struct {
		Version   string `json:"version"`
		BuildDate string `json:"build_date"`
	}{Version: s.opts.Version, BuildDate: s.opts.BuildDate}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dev.Status())
}

func (s *Server) postCommand(w http.ResponseWriter, r *http.Request) {
	if s.limiter != nil && !s.limiter.Allow() {
		writeError(w, http.StatusTooManyRequests, errors.New("command rate exceeded"))
		return
	}

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	payload, sig, timeout, err := req.parse()
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	cmd, err := s.dev.Codec().Build(payload)
	if err != nil {
		writeError(w, errorCode(err), err)
		return
	}

	cfg := s.dev.Config()
	if timeout <= 0 {
		timeout = cfg.ReplyTimeout
	}
	tries := req.Tries
	if tries <= 0 {
		tries = cfg.Retries
	}

	id := uuid.NewString()
	start := time.Now()
	s.log.WithField("req", id).Debugf("Command %v, expecting %v", cmd, sig)
	f, err := s.dev.SendAndReceive(r.Context(), cmd, sig, timeout, tries)
	if err != nil {
		s.log.WithField("req", id).Warnf("Command failed: %v", err)
		writeError(w, errorCode(err), err)
		return
	}

	info := frameInfo(f)
	info.ID = id
	info.Elapsed = time.Since(start).String()
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) getFrame(w http.ResponseWriter, r *http.Request) {
	timeout := s.dev.Config().ReplyTimeout
	if q := r.URL.Query().Get("timeout"); q != "" {
		d, err := time.ParseDuration(q)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		timeout = d
	}

	f, err := s.dev.ReceiveNext(r.Context(), timeout)
	if err != nil {
		writeError(w, errorCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, frameInfo(f))
}

func (s *Server) startStream(w http.ResponseWriter, r *http.Request) {
	ack, err := s.dev.StartDefaultStream(r.Context())
	if err != nil {
		writeError(w, errorCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, frameInfo(ack))
}

func (s *Server) stopStream(w http.ResponseWriter, r *http.Request) {
	if err := s.dev.StopStream(r.Context()); err != nil {
		writeError(w, errorCode(err), err)
		return
	}
	writeJSON(w, http.StatusOK, "OK")
}
