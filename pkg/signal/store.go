package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/peterouob/p2plobby/pkg/logging"
)

const maxBody = 1 << 20

// Store talks to the document store's REST surface. Its methods block and
// are meant to run off the tick goroutine.
type Store struct {
	base   string
	client *http.Client
	log    *zap.Logger
}

func NewStore(base string, client *http.Client, log *zap.Logger) *Store {
	if client == nil {
		client = http.DefaultClient
	}
	return &Store{
		base:   strings.TrimRight(base, "/"),
		client: client,
		log:    logging.OrNop(log).Named("store"),
	}
}

func (s *Store) roomURL(room string) string {
	return s.base + "/rooms/" + url.PathEscape(room)
}

// EnsureRoom creates the room with empty offer and answer maps unless it
// already exists. An existing room is left untouched and is not an error.
func (s *Store) EnsureRoom(ctx context.Context, room string) error {
	q := url.Values{}
	q.Set("currentDocument.exists", "false")
	err := s.patch(ctx, s.roomURL(room)+"?"+q.Encode(), EmptyRoom())
	if errors.Is(err, ErrRoomExists) {
		s.log.Debug("room already exists", zap.String("room", room))
		return nil
	}
	return err
}

func (s *Store) PutOffer(ctx context.Context, room, clientID, sdp string) error {
	return s.putEntry(ctx, room, FieldOffers, clientID, sdp)
}

func (s *Store) PutAnswer(ctx context.Context, room, clientID, sdp string) error {
	return s.putEntry(ctx, room, FieldAnswers, clientID, sdp)
}

// putEntry writes a single key of one of the room maps. The mask names the
// nested key so concurrent writers of other keys are not overwritten.
func (s *Store) putEntry(ctx context.Context, room, field, key, value string) error {
	q := url.Values{}
	q.Set("updateMask.fieldPaths", field+"."+QuoteFieldName(key))
	doc := &Document{Fields: map[string]Value{
		field: MapOf(map[string]string{key: value}),
	}}
	return s.patch(ctx, s.roomURL(room)+"?"+q.Encode(), doc)
}

// Fetch reads the whole room. A missing room yields ErrRoomNotFound.
func (s *Store) Fetch(ctx context.Context, room string) (*Room, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.roomURL(room), nil)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := s.do(req, &doc); err != nil {
		return nil, err
	}
	return RoomFromDocument(&doc), nil
}

func (s *Store) patch(ctx context.Context, u string, doc *Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, nil)
}

func (s *Store) do(req *http.Request, out any) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return fmt.Errorf("read %s response: %w", req.Method, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s response: %w", req.Method, err)
		}
		return nil
	}

	apiErr := &APIError{Code: resp.StatusCode, Status: http.StatusText(resp.StatusCode)}
	var eb ErrorBody
	if json.Unmarshal(raw, &eb) == nil && eb.Error != nil {
		apiErr = eb.Error
	}
	switch {
	case resp.StatusCode == http.StatusNotFound || apiErr.Status == "NOT_FOUND":
		return fmt.Errorf("%w: %w", ErrRoomNotFound, apiErr)
	case resp.StatusCode == http.StatusConflict ||
		apiErr.Status == "ALREADY_EXISTS" ||
		apiErr.Status == "FAILED_PRECONDITION":
		return fmt.Errorf("%w: %w", ErrRoomExists, apiErr)
	}
	return apiErr
}

// QuoteFieldName renders a map key as a backtick-quoted field path segment.
func QuoteFieldName(name string) string {
	r := strings.NewReplacer("\\", "\\\\", "`", "\\`")
	return "`" + r.Replace(name) + "`"
}
