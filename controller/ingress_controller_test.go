// controller/ingress_controller_test.go
package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	testify_mock "github.com/stretchr/testify/mock"

	"github.com/campusops/relay/audit"
	"github.com/campusops/relay/auth"
	"github.com/campusops/relay/bus"
	"github.com/campusops/relay/config"
	"github.com/campusops/relay/controller"
	"github.com/campusops/relay/dispatch"
	relay_errors "github.com/campusops/relay/errors"
	"github.com/campusops/relay/filter"
	logger "github.com/campusops/relay/logging"
	"github.com/campusops/relay/model"
	"github.com/campusops/relay/router"
	"github.com/campusops/relay/test/mock"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	logger.InitLogger(os.TempDir())
	os.Exit(m.Run())
}

const signingSecret = "ingest-secret"

type pipeline struct {
	engine  *gin.Engine
	invoker *mock.MockInvoker
	repo    *audit.MemoryRepository
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()

	filterEngine, err := filter.NewEngine(config.FilterConfig{
		DefaultAction: "allow",
		Rules: []config.FilterRuleConfig{
			{
				Name:      "admin-paths",
				Priority:  10,
				Action:    "block",
				Predicate: &config.PredicateConfig{PathPrefix: "/admin"},
			},
		},
	}, nil)
	assert.NoError(t, err)

	busRouter, err := bus.NewRouter(config.BusConfig{
		Rules: []config.BusRuleConfig{
			{
				Name:    "apigw-events",
				Pattern: config.BusPatternConfig{Source: []string{"university.apigw"}},
				Targets: []string{"event-logger"},
			},
		},
	})
	assert.NoError(t, err)

	repo := audit.NewMemoryRepository()
	auditSvc := audit.NewService(repo)

	ctx, cancel := context.WithCancel(context.Background())
	pool := dispatch.NewPool(16)
	pool.Start(ctx, 2)
	t.Cleanup(func() {
		cancel()
		pool.Wait()
	})

	invoker := new(mock.MockInvoker)
	dispatcher, err := dispatch.NewDispatcher([]config.ConsumerConfig{
		{
			ID:       "event-logger",
			Endpoint: "http://event-logger.test",
			Grants:   []config.GrantConfig{{Rule: "apigw-events"}},
		},
		{
			ID:       "grader-fn",
			Endpoint: "http://grader-fn.test",
			Grants:   []config.GrantConfig{{Source: controller.ProxySource}},
		},
	}, invoker, pool, auditSvc)
	assert.NoError(t, err)

	ingressCfg := config.IngressConfig{
		Bus: config.BusSurfaceConfig{
			Account:    "734066168245",
			Source:     "university.apigw",
			DetailType: "app.request",
			Auth:       "signature",
		},
		Proxy: config.ProxySurfaceConfig{
			Routes: []config.ProxyRouteConfig{
				{Resource: "grader", Consumer: "grader-fn"},
			},
		},
	}

	signatureAuth := auth.NewSignatureAuthorizer(map[string]string{"ingest-client": signingSecret})
	controllers := &controller.Controllers{
		Ingress: controller.NewIngressController(ingressCfg, signatureAuth, signatureAuth, busRouter, dispatcher, auditSvc),
		Audit:   controller.NewAuditController(auditSvc),
	}

	return &pipeline{
		engine:  router.SetupRouter(controllers, filterEngine, auditSvc),
		invoker: invoker,
		repo:    repo,
	}
}

func signedPost(path string, body []byte) *http.Request {
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	date := time.Now().Format(time.RFC3339)
	req.Header.Set(auth.HeaderKeyID, "ingest-client")
	req.Header.Set(auth.HeaderSignatureDate, date)
	req.Header.Set(auth.HeaderSignature, auth.Sign(http.MethodPost, path, date, body, signingSecret))
	return req
}

func TestPublishEventDeliversToMatchedConsumer(t *testing.T) {
	p := newPipeline(t)

	delivered := make(chan model.Event, 1)
	p.invoker.On("Invoke", testify_mock.Anything, testify_mock.Anything, testify_mock.Anything).
		Run(func(args testify_mock.Arguments) {
			delivered <- args.Get(2).(model.Event)
		}).
		Return(model.InvocationResult{ConsumerID: "event-logger", StatusCode: 200}, nil)

	w := httptest.NewRecorder()
	p.engine.ServeHTTP(w, signedPost("/", []byte(`{"Detail":{"x":1}}`)))

	assert.Equal(t, http.StatusAccepted, w.Code)
	var resp map[string]string
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "accepted", resp["message"])
	assert.NotEmpty(t, resp["event_id"])

	select {
	case evt := <-delivered:
		assert.Equal(t, resp["event_id"], evt.ID)
		assert.Equal(t, "734066168245", evt.Account)
		assert.Equal(t, "university.apigw", evt.Source)
		assert.Equal(t, "app.request", evt.DetailType)
		assert.JSONEq(t, `{"x":1}`, string(evt.Detail))
	case <-time.After(time.Second):
		t.Fatal("consumer was never invoked")
	}

	p.invoker.AssertNumberOfCalls(t, "Invoke", 1)
}

func TestEmptyDetailIsRejected(t *testing.T) {
	p := newPipeline(t)

	w := httptest.NewRecorder()
	p.engine.ServeHTTP(w, signedPost("/", []byte(`{}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	p.invoker.AssertNotCalled(t, "Invoke", testify_mock.Anything, testify_mock.Anything, testify_mock.Anything)
}

func TestBlockedPathNeverReachesAuthorization(t *testing.T) {
	p := newPipeline(t)

	w := httptest.NewRecorder()
	p.engine.ServeHTTP(w, signedPost("/admin/config", []byte(`{"Detail":{}}`)))

	assert.Equal(t, http.StatusForbidden, w.Code)
	p.invoker.AssertNotCalled(t, "Invoke", testify_mock.Anything, testify_mock.Anything, testify_mock.Anything)

	var sawBlock bool
	for _, record := range p.repo.All() {
		if record.Stage == audit.StageFilter && record.Outcome == audit.OutcomeBlocked {
			sawBlock = true
		}
		assert.NotEqual(t, audit.StageAuth, record.Stage, "a blocked request must not reach the authorizer")
	}
	assert.True(t, sawBlock)
}

func TestMissingCredentialsIs401(t *testing.T) {
	p := newPipeline(t)

	w := httptest.NewRecorder()
	p.engine.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", bytes.NewReader([]byte(`{"Detail":{}}`))))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	p.invoker.AssertNotCalled(t, "Invoke", testify_mock.Anything, testify_mock.Anything, testify_mock.Anything)
}

func TestBadSignatureIs403(t *testing.T) {
	p := newPipeline(t)

	req := signedPost("/", []byte(`{"Detail":{"x":1}}`))
	req.Header.Set(auth.HeaderSignature, "deadbeef")

	w := httptest.NewRecorder()
	p.engine.ServeHTTP(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	p.invoker.AssertNotCalled(t, "Invoke", testify_mock.Anything, testify_mock.Anything, testify_mock.Anything)
}

func TestInvokeFunctionRelaysConsumerResponse(t *testing.T) {
	p := newPipeline(t)

	p.invoker.On("Invoke", testify_mock.Anything, testify_mock.Anything, testify_mock.Anything).
		Return(model.InvocationResult{
			ConsumerID:  "grader-fn",
			StatusCode:  http.StatusCreated,
			ContentType: "application/json; charset=utf-8",
			Body:        []byte(`{"grade":"A"}`),
		}, nil)

	w := httptest.NewRecorder()
	p.engine.ServeHTTP(w, signedPost("/functions/grader", []byte(`{"submission":42}`)))

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"grade":"A"}`, w.Body.String())
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))

	invoked := p.invoker.Calls[0].Arguments.Get(2).(model.Event)
	assert.Equal(t, controller.ProxySource, invoked.Source)
	assert.Equal(t, "grader", invoked.DetailType)
	assert.JSONEq(t, `{"submission":42}`, string(invoked.Detail))
}

func TestInvokeFunctionRelaysConsumerError(t *testing.T) {
	p := newPipeline(t)

	p.invoker.On("Invoke", testify_mock.Anything, testify_mock.Anything, testify_mock.Anything).
		Return(model.InvocationResult{
			ConsumerID: "grader-fn",
			StatusCode: http.StatusUnprocessableEntity,
			Body:       []byte(`{"error":"bad submission"}`),
		}, relay_errors.ErrConsumerInvocationFailed)

	w := httptest.NewRecorder()
	p.engine.ServeHTTP(w, signedPost("/functions/grader", []byte(`{}`)))

	// A consumer-side failure passes through untouched; only transport
	// failures become a 502.
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.JSONEq(t, `{"error":"bad submission"}`, w.Body.String())
}

func TestInvokeFunctionRelaysConsumerContentType(t *testing.T) {
	p := newPipeline(t)

	p.invoker.On("Invoke", testify_mock.Anything, testify_mock.Anything, testify_mock.Anything).
		Return(model.InvocationResult{
			ConsumerID:  "grader-fn",
			StatusCode:  http.StatusOK,
			ContentType: "text/plain; charset=utf-8",
			Body:        []byte("grade: A"),
		}, nil)

	w := httptest.NewRecorder()
	p.engine.ServeHTTP(w, signedPost("/functions/grader", []byte(`{}`)))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "grade: A", w.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", w.Header().Get("Content-Type"))
}

func TestInvokeFunctionTransportFailureIs502(t *testing.T) {
	p := newPipeline(t)

	p.invoker.On("Invoke", testify_mock.Anything, testify_mock.Anything, testify_mock.Anything).
		Return(model.InvocationResult{ConsumerID: "grader-fn"}, relay_errors.ErrConsumerInvocationFailed)

	w := httptest.NewRecorder()
	p.engine.ServeHTTP(w, signedPost("/functions/grader", []byte(`{}`)))

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestInvokeFunctionUnknownResourceIs404(t *testing.T) {
	p := newPipeline(t)

	w := httptest.NewRecorder()
	p.engine.ServeHTTP(w, signedPost("/functions/unknown", []byte(`{}`)))

	assert.Equal(t, http.StatusNotFound, w.Code)
	p.invoker.AssertNotCalled(t, "Invoke", testify_mock.Anything, testify_mock.Anything, testify_mock.Anything)
}

func TestHealthzBypassesAuthorization(t *testing.T) {
	p := newPipeline(t)

	w := httptest.NewRecorder()
	p.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuditQueryEndpoint(t *testing.T) {
	p := newPipeline(t)

	// Seed one pipeline pass so the audit log has records.
	p.invoker.On("Invoke", testify_mock.Anything, testify_mock.Anything, testify_mock.Anything).
		Return(model.InvocationResult{ConsumerID: "event-logger", StatusCode: 200}, nil)
	w := httptest.NewRecorder()
	p.engine.ServeHTTP(w, signedPost("/", []byte(`{"Detail":{"x":1}}`)))
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = httptest.NewRecorder()
	p.engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/audit?stage=auth", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var records []audit.Record
	assert.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	assert.NotEmpty(t, records)
	for _, record := range records {
		assert.Equal(t, audit.StageAuth, record.Stage)
	}
}
