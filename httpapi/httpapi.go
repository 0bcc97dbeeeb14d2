package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	logging "github.com/ipfs/go-log/v2"
	"go.opencensus.io/stats"
	"go.opencensus.io/tag"
	"golang.org/x/xerrors"

	"github.com/filecoin-project/go-quote-market/metrics"
	"github.com/filecoin-project/go-quote-market/quotemarket"
)

var log = logging.Logger("httpapi")

// DefaultMaxUploadSize caps the total size of files accepted by /upload
const DefaultMaxUploadSize = 512 << 20

// messages the API answers with for known failures
var clientMessages = []struct {
	err error
	msg string
}{
	{quotemarket.ErrMissingParameters, "Missing query parameters."},
	{quotemarket.ErrQuoteExpired, "Quote already expired, please create a new one."},
	{quotemarket.ErrNonceTooOld, "Nonce value invalid."},
	{quotemarket.ErrInvalidSignature, "Invalid signature."},
	{quotemarket.ErrQuoteNotFound, "Quote does not exist."},
	{quotemarket.ErrInvalidStorageType, "Chosen storage type does not exist."},
	{quotemarket.ErrInvalidTransition, "Quote does not accept uploads in its current status."},
	{quotemarket.ErrInvalidInput, "Invalid input data."},
}

// Server serves the client facing quote API
type Server struct {
	broker        quotemarket.QuoteBroker
	router        *mux.Router
	maxUploadSize int64
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithMaxUploadSize caps the body size of upload requests
func WithMaxUploadSize(n int64) ServerOption {
	return func(s *Server) {
		s.maxUploadSize = n
	}
}

// NewServer routes the quote API to broker
func NewServer(broker quotemarket.QuoteBroker, options ...ServerOption) *Server {
	s := &Server{
		broker:        broker,
		router:        mux.NewRouter(),
		maxUploadSize: DefaultMaxUploadSize,
	}
	for _, option := range options {
		option(s)
	}
	s.router.Use(recordDuration)
	s.router.HandleFunc("/getQuote", s.getQuote).Methods(http.MethodPost)
	s.router.HandleFunc("/upload", s.upload).Methods(http.MethodPost)
	s.router.HandleFunc("/getStatus", s.getStatus).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) getQuote(w http.ResponseWriter, r *http.Request) {
	var req quotemarket.QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Debugw("malformed quote request", "err", err)
		writeJSON(w, http.StatusBadRequest, "Invalid input data.")
		return
	}

	resp, err := s.broker.CreateQuote(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, resp)
	case xerrors.Is(err, quotemarket.ErrInvalidStorageType):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Chosen storage type does not exist."})
	case xerrors.Is(err, quotemarket.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, "Invalid input data.")
	default:
		s.writeError(w, r, err)
	}
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	quoteID := q.Get("quoteId")
	if quoteID == "" {
		writeJSON(w, http.StatusBadRequest, "Missing query parameters.")
		return
	}
	params := quotemarket.UploadParams{Nonce: q.Get("nonce"), Signature: q.Get("signature")}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	files, err := readFiles(r)
	if err != nil {
		log.Debugw("unreadable upload", "quote", quoteID, "err", err)
		writeJSON(w, http.StatusBadRequest, "Invalid input data.")
		return
	}

	status, err := s.broker.SubmitUpload(r.Context(), quoteID, params, files)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]quotemarket.QuoteStatus{"status": status})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	quoteID := r.URL.Query().Get("quoteId")
	if quoteID == "" {
		writeJSON(w, http.StatusBadRequest, "Missing query parameters.")
		return
	}
	status, err := s.broker.QuoteStatus(r.Context(), quoteID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]quotemarket.QuoteStatus{"status": status})
}

// readFiles buffers every file part of a multipart body, keeping their order
func readFiles(r *http.Request) ([]quotemarket.RawFile, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, err
	}
	var files []quotemarket.RawFile
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return files, nil
		}
		if err != nil {
			return nil, err
		}
		if part.FileName() == "" {
			continue
		}
		data, err := io.ReadAll(part)
		if err != nil {
			return nil, err
		}
		files = append(files, quotemarket.RawFile{
			Name:        part.FileName(),
			ContentType: part.Header.Get("Content-Type"),
			Content:     bytes.NewReader(data),
		})
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch quotemarket.ClassifyError(err) {
	case quotemarket.KindValidation, quotemarket.KindAuthentication, quotemarket.KindExpiry:
		code = http.StatusBadRequest
	case quotemarket.KindNotFound:
		code = http.StatusNotFound
	case quotemarket.KindExternalService:
		code = http.StatusBadGateway
	case quotemarket.KindRetriable:
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		log.Errorw("request failed", "path", r.URL.Path, "err", err)
	} else {
		log.Infow("request refused", "path", r.URL.Path, "code", code, "err", err)
	}
	writeJSON(w, code, clientMessage(err))
}

func clientMessage(err error) string {
	for _, m := range clientMessages {
		if xerrors.Is(err, m.err) {
			return m.msg
		}
	}
	return err.Error()
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warnw("writing response", "err", err)
	}
}

type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.code = code
	sr.ResponseWriter.WriteHeader(code)
}

func recordDuration(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sr, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		_ = stats.RecordWithTags(r.Context(),
			[]tag.Mutator{tag.Upsert(metrics.Endpoint, route), tag.Upsert(metrics.Status, strconv.Itoa(sr.code))},
			metrics.APIRequestDuration.M(metrics.SinceInMilliseconds(start)))
	})
}
