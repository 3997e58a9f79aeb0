// Package fhirtest provides an in-memory fhir.Store for tests. It can lag
// behind its own writes the way real servers do: resources marked hidden
// are readable by id but absent from searches.
package fhirtest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"

	"github.com/nmcds/nmcds/internal/platform/fhir"
)

// Store is safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	base      string
	resources map[string]map[string]json.RawMessage
	order     map[string][]string
	hidden    map[string]bool
	nextID    int

	// SearchErr, ReadErr and CreateErr, when set, are returned by the
	// matching call.
	SearchErr error
	ReadErr   error
	CreateErr error
	// HideCreated makes every created resource invisible to Search.
	HideCreated bool

	Searches []url.Values
	Reads    []string
	Created  []json.RawMessage
}

func NewStore(base string) *Store {
	return &Store{
		base:      base,
		resources: make(map[string]map[string]json.RawMessage),
		order:     make(map[string][]string),
		hidden:    make(map[string]bool),
	}
}

// Identity lets the store take part in shared lookups.
func (s *Store) Identity() string { return s.base }

// Put stores raw under its resourceType and id.
func (s *Store) Put(raw string) {
	var env fhir.Resource
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		panic(fmt.Sprintf("fhirtest: bad resource: %v", err))
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(env.ResourceType, env.ID, json.RawMessage(raw))
}

// Hide removes an id from search results while keeping it readable.
func (s *Store) Hide(id string) {
	s.mu.Lock()
	s.hidden[id] = true
	s.mu.Unlock()
}

func (s *Store) put(resourceType, id string, raw json.RawMessage) {
	if s.resources[resourceType] == nil {
		s.resources[resourceType] = make(map[string]json.RawMessage)
	}
	if _, ok := s.resources[resourceType][id]; !ok {
		s.order[resourceType] = append(s.order[resourceType], id)
	}
	s.resources[resourceType][id] = raw
}

// Search matches on the patient and code parameters only.
func (s *Store) Search(ctx context.Context, resourceType string, params url.Values) (*fhir.SearchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Searches = append(s.Searches, params)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.SearchErr != nil {
		return nil, s.SearchErr
	}

	result := &fhir.SearchResult{Pages: 1}
	for _, id := range s.order[resourceType] {
		if s.hidden[id] {
			continue
		}
		raw := s.resources[resourceType][id]
		if matches(raw, params) {
			result.Resources = append(result.Resources, raw)
		}
	}
	return result, nil
}

func (s *Store) Read(ctx context.Context, resourceType, id string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Reads = append(s.Reads, resourceType+"/"+id)
	if s.ReadErr != nil {
		return nil, s.ReadErr
	}
	raw, ok := s.resources[resourceType][id]
	if !ok {
		return nil, &fhir.UpstreamError{
			Method:     http.MethodGet,
			URL:        s.base + "/" + resourceType + "/" + id,
			StatusCode: http.StatusNotFound,
		}
	}
	return raw, nil
}

// Create assigns ids of the form new-N.
func (s *Store) Create(ctx context.Context, resourceType string, resource any) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.CreateErr != nil {
		return nil, s.CreateErr
	}
	data, err := json.Marshal(resource)
	if err != nil {
		return nil, err
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	s.nextID++
	id := fmt.Sprintf("new-%d", s.nextID)
	obj["id"] = id
	raw, _ := json.Marshal(obj)

	s.put(resourceType, id, raw)
	if s.HideCreated {
		s.hidden[id] = true
	}
	s.Created = append(s.Created, raw)
	return raw, nil
}

type searchable struct {
	Subject *fhir.Reference       `json:"subject"`
	Code    *fhir.CodeableConcept `json:"code"`
}

func matches(raw json.RawMessage, params url.Values) bool {
	var r searchable
	if err := json.Unmarshal(raw, &r); err != nil {
		// Malformed resources are still returned; callers must cope.
		return true
	}
	if patient := params.Get("patient"); patient != "" {
		if r.Subject == nil || !strings.HasSuffix(r.Subject.Reference, patient) {
			return false
		}
	}
	if code := params.Get("code"); code != "" {
		system, value, found := strings.Cut(code, "|")
		if !found {
			system, value = "", code
		}
		if !r.Code.HasCoding(system, value) {
			return false
		}
	}
	return true
}

// SearchCount reports how many searches were made.
func (s *Store) SearchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Searches)
}

// ReadCount reports how many reads were made.
func (s *Store) ReadCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Reads)
}

// CodeFiltered reports whether any search carried a code parameter.
func (s *Store) CodeFiltered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.ContainsFunc(s.Searches, func(v url.Values) bool { return v.Has("code") })
}
