// Package testutil provides testing utilities for the Avela client.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
)

// BasePath is where the fake server mounts the REST API.
const BasePath = "/api/rest/v2"

// Default credentials accepted by the fake token endpoint.
const (
	MockClientID     = "test-client"
	MockClientSecret = "test-secret"
	MockAudience     = "https://test.api.apply.avela.org/v1/graphql"
)

// MockResponse is a scripted response returned instead of the default route.
type MockResponse struct {
	StatusCode int
	Body       string
	Headers    map[string]string
}

// RecordedRequest is a request observed by the fake server.
type RecordedRequest struct {
	Method        string
	Path          string
	Query         url.Values
	Authorization string
	Body          []byte
}

// MockFile is an uploaded document served by the files route.
type MockFile struct {
	ID          string
	Filename    string
	Status      string
	DownloadURL string
}

// MockTag is a tag known to the fake server.
type MockTag struct {
	ID                 string
	Name               string
	EnrollmentPeriodID string
}

type assignment struct {
	formID   string
	schoolID string
	tagID    string
}

// MockAvela is a configurable fake of the Avela token endpoint and the
// Customer API v2 routes used by the client.
type MockAvela struct {
	server *httptest.Server

	mu sync.Mutex

	// ExpiresIn is returned by the token endpoint (seconds). Zero omits it.
	ExpiresIn int

	// ReverseGroups makes batch responses list groups in reverse order of
	// first appearance in the request.
	ReverseGroups bool

	// StatusAsString encodes batch group statuses as strings ("200").
	StatusAsString bool

	// PartialApply reports every successful batch group as fully_applied=false.
	// Without it a group is fully applied only when no row was a duplicate.
	PartialApply bool

	tokenSeq      int
	validTokens   map[string]bool
	tokenFailures []MockResponse
	scripted      map[string][]MockResponse

	applicants  []map[string]any
	forms       map[string]string
	tags        []MockTag
	assignments map[assignment]bool
	offers      map[string]string
	answers     map[string]map[string]map[string]any
	files       map[string]map[string][]MockFile

	requests    []RecordedRequest
	tokenCount  int
	batchBodies [][]byte
}

// NewMockAvela starts a fake server.
func NewMockAvela() *MockAvela {
	mock := &MockAvela{
		ExpiresIn:   86400,
		validTokens: make(map[string]bool),
		scripted:    make(map[string][]MockResponse),
		forms:       make(map[string]string),
		assignments: make(map[assignment]bool),
		offers:      make(map[string]string),
		answers:     make(map[string]map[string]map[string]any),
		files:       make(map[string]map[string][]MockFile),
	}
	mock.server = httptest.NewServer(http.HandlerFunc(mock.handle))
	return mock
}

// URL returns the server root URL.
func (m *MockAvela) URL() string {
	return m.server.URL
}

// BaseURL returns the REST API root.
func (m *MockAvela) BaseURL() string {
	return m.server.URL + BasePath
}

// TokenURL returns the OAuth2 token endpoint.
func (m *MockAvela) TokenURL() string {
	return m.server.URL + "/oauth/token"
}

// Close shuts down the server.
func (m *MockAvela) Close() {
	m.server.Close()
}

// Script queues responses for "METHOD /path" (path relative to BasePath).
// Queued responses are served before the default route, one per request.
func (m *MockAvela) Script(method, path string, responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := method + " " + path
	m.scripted[key] = append(m.scripted[key], responses...)
}

// FailTokenExchanges queues responses for the token endpoint.
func (m *MockAvela) FailTokenExchanges(responses ...MockResponse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenFailures = append(m.tokenFailures, responses...)
}

// RevokeTokens makes every issued token invalid.
func (m *MockAvela) RevokeTokens() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validTokens = make(map[string]bool)
}

// AddApplicants appends n applicants with sequential ids.
func (m *MockAvela) AddApplicants(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := len(m.applicants)
	for i := start; i < start+n; i++ {
		m.applicants = append(m.applicants, map[string]any{
			"id":           fmt.Sprintf("applicant-%05d", i),
			"reference_id": strconv.Itoa(i),
		})
	}
}

// AddForm registers a form and its enrollment period.
func (m *MockAvela) AddForm(formID, enrollmentPeriodID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forms[formID] = enrollmentPeriodID
}

// AddTag registers a tag.
func (m *MockAvela) AddTag(tag MockTag) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tags = append(m.tags, tag)
}

// AddOffer registers an offer with an empty status.
func (m *MockAvela) AddOffer(offerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[offerID] = ""
}

// OfferStatus returns the last status set for an offer.
func (m *MockAvela) OfferStatus(offerID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offers[offerID]
}

// Answer returns the stored answer object of a form question, or nil.
func (m *MockAvela) Answer(formID, questionKey string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.answers[formID][questionKey]
}

// AddFormFile attaches an uploaded file to a FileUpload question of a
// registered form.
func (m *MockAvela) AddFormFile(formID, questionKey string, file MockFile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.files[formID] == nil {
		m.files[formID] = make(map[string][]MockFile)
	}
	m.files[formID][questionKey] = append(m.files[formID][questionKey], file)
}

// AssignmentCount returns the number of stored form/school/tag assignments.
func (m *MockAvela) AssignmentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.assignments)
}

// HasAssignment reports whether the assignment exists.
func (m *MockAvela) HasAssignment(formID, schoolID, tagID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assignments[assignment{formID, schoolID, tagID}]
}

// TokenCount returns the number of successful token exchanges.
func (m *MockAvela) TokenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokenCount
}

// Requests returns every API request (token exchanges excluded).
func (m *MockAvela) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// RequestsTo returns API requests matching method and path.
func (m *MockAvela) RequestsTo(method, path string) []RecordedRequest {
	var out []RecordedRequest
	for _, r := range m.Requests() {
		if r.Method == method && r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// BatchBodies returns the raw bodies of every batch request.
func (m *MockAvela) BatchBodies() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.batchBodies))
	copy(out, m.batchBodies)
	return out
}

func (m *MockAvela) handle(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/oauth/token" {
		m.handleToken(w, r)
		return
	}

	body, _ := io.ReadAll(r.Body)
	path := strings.TrimPrefix(r.URL.Path, BasePath)

	m.mu.Lock()
	m.requests = append(m.requests, RecordedRequest{
		Method:        r.Method,
		Path:          path,
		Query:         r.URL.Query(),
		Authorization: r.Header.Get("Authorization"),
		Body:          body,
	})

	key := r.Method + " " + path
	if queue := m.scripted[key]; len(queue) > 0 {
		resp := queue[0]
		m.scripted[key] = queue[1:]
		m.mu.Unlock()
		writeMock(w, resp)
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	authorized := m.validTokens[token]
	m.mu.Unlock()

	if !authorized {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	switch {
	case r.Method == http.MethodGet && path == "/applicants":
		m.handleApplicants(w, r)
	case r.Method == http.MethodPut && path == "/forms/offers/status":
		m.handleOfferStatus(w, body)
	case r.Method == http.MethodGet && path == "/forms/files":
		m.handleFiles(w, r)
	case r.Method == http.MethodPost && strings.HasPrefix(path, "/forms/") && strings.HasSuffix(path, "/questions"):
		m.handleQuestions(w, strings.TrimSuffix(strings.TrimPrefix(path, "/forms/"), "/questions"), body)
	case r.Method == http.MethodGet && strings.HasPrefix(path, "/forms/"):
		m.handleForm(w, strings.TrimPrefix(path, "/forms/"))
	case r.Method == http.MethodGet && path == "/tags":
		m.handleTags(w, r)
	case path == "/tags/schools/batch" && (r.Method == http.MethodPost || r.Method == http.MethodDelete):
		m.handleBatch(w, r.Method, body)
	case strings.HasPrefix(path, "/tags/forms/") && (r.Method == http.MethodPost || r.Method == http.MethodDelete):
		m.handleSingle(w, r.Method, path, body)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "route not found"})
	}
}

func (m *MockAvela) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.tokenFailures) > 0 {
		resp := m.tokenFailures[0]
		m.tokenFailures = m.tokenFailures[1:]
		writeMock(w, resp)
		return
	}

	if r.PostForm.Get("grant_type") != "client_credentials" ||
		r.PostForm.Get("client_id") != MockClientID ||
		r.PostForm.Get("client_secret") != MockClientSecret ||
		r.PostForm.Get("audience") != MockAudience {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error":             "access_denied",
			"error_description": "Unauthorized",
		})
		return
	}

	m.tokenSeq++
	m.tokenCount++
	token := fmt.Sprintf("token-%d", m.tokenSeq)
	m.validTokens[token] = true

	resp := map[string]any{
		"access_token": token,
		"token_type":   "Bearer",
	}
	if m.ExpiresIn > 0 {
		resp["expires_in"] = m.ExpiresIn
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *MockAvela) handleApplicants(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 || limit > 1000 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		return
	}

	m.mu.Lock()
	total := len(m.applicants)
	page := []map[string]any{}
	if offset < total {
		end := offset + limit
		if end > total {
			end = total
		}
		page = append(page, m.applicants[offset:end]...)
	}
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"applicants": page,
		"limit":      limit,
		"offset":     offset,
	})
}

func (m *MockAvela) handleForm(w http.ResponseWriter, formID string) {
	m.mu.Lock()
	period, ok := m.forms[formID]
	m.mu.Unlock()

	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "form not found"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"form": map[string]any{
			"id":                formID,
			"enrollment_period": map[string]string{"id": period},
		},
	})
}

func (m *MockAvela) handleTags(w http.ResponseWriter, r *http.Request) {
	period := r.URL.Query().Get("enrollment_period_id")

	m.mu.Lock()
	tags := []map[string]string{}
	for _, t := range m.tags {
		if period == "" || t.EnrollmentPeriodID == period {
			tags = append(tags, map[string]string{"id": t.ID, "name": t.Name})
		}
	}
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

type mockOperation struct {
	FormID   string `json:"form_id"`
	SchoolID string `json:"school_id"`
	TagID    string `json:"tag_id"`
}

func (m *MockAvela) handleBatch(w http.ResponseWriter, method string, body []byte) {
	var req struct {
		Operations []mockOperation `json:"operations"`
	}
	if err := json.Unmarshal(body, &req); err != nil || len(req.Operations) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}
	if len(req.Operations) > 100 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "too many operations"})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.batchBodies = append(m.batchBodies, body)

	var order []string
	byTag := make(map[string][]mockOperation)
	for _, op := range req.Operations {
		if _, seen := byTag[op.TagID]; !seen {
			order = append(order, op.TagID)
		}
		byTag[op.TagID] = append(byTag[op.TagID], op)
	}
	if m.ReverseGroups {
		for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
			order[i], order[j] = order[j], order[i]
		}
	}

	responses := make([]map[string]any, 0, len(order))
	for _, tagID := range order {
		ops := byTag[tagID]
		status := http.StatusOK
		affected := 0

		if !m.tagExists(tagID) {
			status = http.StatusNotFound
		} else {
			for _, op := range ops {
				key := assignment{op.FormID, op.SchoolID, op.TagID}
				switch method {
				case http.MethodPost:
					if !m.assignments[key] {
						m.assignments[key] = true
						affected++
					}
				case http.MethodDelete:
					if m.assignments[key] {
						delete(m.assignments, key)
						affected++
					}
				}
			}
		}

		var statusValue any = status
		if m.StatusAsString {
			statusValue = strconv.Itoa(status)
		}
		responses = append(responses, map[string]any{
			"status":        statusValue,
			"tag_id":        tagID,
			"affected_rows": affected,
			"requested":     len(ops),
			"fully_applied": status == http.StatusOK && affected == len(ops) && !m.PartialApply,
		})
	}

	writeJSON(w, http.StatusMultiStatus, map[string]any{"responses": responses})
}

func (m *MockAvela) handleSingle(w http.ResponseWriter, method, path string, body []byte) {
	// /tags/forms/{form}/schools/{school}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 5 || parts[3] != "schools" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "route not found"})
		return
	}
	formID, schoolID := parts[2], parts[4]

	var req struct {
		TagID string `json:"tag_id"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.TagID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.tagExists(req.TagID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "tag not found"})
		return
	}

	key := assignment{formID, schoolID, req.TagID}
	affected := 0
	status := http.StatusOK
	if method == http.MethodPost {
		status = http.StatusCreated
		if !m.assignments[key] {
			m.assignments[key] = true
			affected = 1
		}
	} else if m.assignments[key] {
		delete(m.assignments, key)
		affected = 1
	}

	writeJSON(w, status, map[string]int{"affected_rows": affected})
}

func (m *MockAvela) tagExists(tagID string) bool {
	for _, t := range m.tags {
		if t.ID == tagID {
			return true
		}
	}
	return false
}

func writeMock(w http.ResponseWriter, resp MockResponse) {
	for key, value := range resp.Headers {
		w.Header().Set(key, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "application/json")
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != "" {
		w.Write([]byte(resp.Body))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// NewServerErrorResponse creates a 503 Service Unavailable response.
func NewServerErrorResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusServiceUnavailable,
		Body:       `{"error": "service unavailable"}`,
	}
}

// NewRateLimitResponse creates a 429 Too Many Requests response.
func NewRateLimitResponse(retryAfterSeconds int) MockResponse {
	return MockResponse{
		StatusCode: http.StatusTooManyRequests,
		Body:       `{"error": "rate limit exceeded"}`,
		Headers: map[string]string{
			"Retry-After": strconv.Itoa(retryAfterSeconds),
		},
	}
}

// NewUnauthorizedResponse creates a 401 response.
func NewUnauthorizedResponse() MockResponse {
	return MockResponse{
		StatusCode: http.StatusUnauthorized,
		Body:       `{"error": "unauthorized"}`,
	}
}

func (m *MockAvela) handleOfferStatus(w http.ResponseWriter, body []byte) {
	var req struct {
		Offers []struct {
			OfferID string `json:"offer_id"`
		} `json:"offers"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &req); err != nil || (req.Status != "Accepted" && req.Status != "Declined") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range req.Offers {
		if _, ok := m.offers[o.OfferID]; !ok {
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"success": false}})
			return
		}
	}
	for _, o := range req.Offers {
		m.offers[o.OfferID] = req.Status
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"success": true}})
}

func (m *MockAvela) handleQuestions(w http.ResponseWriter, formID string, body []byte) {
	var req struct {
		Questions []struct {
			Key    string         `json:"key"`
			Type   string         `json:"type"`
			Answer map[string]any `json:"answer"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(body, &req); err != nil || len(req.Questions) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid body"})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.forms[formID]; !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "form not found"})
		return
	}
	if m.answers[formID] == nil {
		m.answers[formID] = make(map[string]map[string]any)
	}
	for _, q := range req.Questions {
		m.answers[formID][q.Key] = q.Answer
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"success": true}})
}

func (m *MockAvela) handleFiles(w http.ResponseWriter, r *http.Request) {
	ids := strings.Split(r.URL.Query().Get("form_id"), ",")
	if len(ids) > 100 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "at most 100 form ids"})
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	responses := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		if _, ok := m.forms[id]; !ok {
			responses = append(responses, map[string]any{
				"status":  http.StatusNotFound,
				"form_id": id,
				"error":   "form not found",
			})
			continue
		}

		questions := []map[string]any{{
			"id":     "q-" + id + "-name",
			"key":    "student_name",
			"type":   "FreeText",
			"answer": map[string]any{"free_text": map[string]any{"value": "x"}},
		}}
		for key, files := range m.files[id] {
			list := make([]map[string]any, 0, len(files))
			for _, f := range files {
				list = append(list, map[string]any{
					"id":           f.ID,
					"filename":     f.Filename,
					"status":       f.Status,
					"download_url": f.DownloadURL,
				})
			}
			questions = append(questions, map[string]any{
				"id":     "q-" + id + "-" + key,
				"key":    key,
				"type":   "FileUpload",
				"answer": map[string]any{"files": list},
			})
		}
		responses = append(responses, map[string]any{
			"status": "200",
			"form":   map[string]any{"id": id, "questions": questions},
		})
	}
	writeJSON(w, http.StatusMultiStatus, map[string]any{"responses": responses})
}
