package handler_test

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/AgentFoundryExamples/plan-scheduler/core/config"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/http/handler"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/http/router"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/ingest"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/kernel"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/projection"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/trigger"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/validate"
)

const verificationToken = "test-verification-token"

func newTestRouter(gateway *memGateway) *gin.Engine {
	gin.SetMode(gin.TestMode)

	validator, err := validate.New()
	Expect(err).NotTo(HaveOccurred())

	execTrigger, err := trigger.New(config.TriggerConfig{Enabled: false})
	Expect(err).NotTo(HaveOccurred())

	engine := gin.New()
	router.SetupRoutes(engine, router.Handlers{
		Plan:    handler.NewPlanHandler(ingest.New(gateway, validator), projection.New(gateway)),
		Webhook: handler.NewWebhookHandler(validator, kernel.New(gateway), execTrigger),
	}, config.AuthConfig{
		Mode:              config.AuthModeToken,
		VerificationToken: verificationToken,
	})
	return engine
}

func planBody(id string, n int) []byte {
	specs := make([]map[string]any, n)
	for i := range specs {
		specs[i] = map[string]any{
			"purpose": fmt.Sprintf("purpose %d", i),
			"vision":  fmt.Sprintf("vision %d", i),
		}
	}
	raw, err := json.Marshal(map[string]any{"id": id, "specs": specs})
	Expect(err).NotTo(HaveOccurred())
	return raw
}

func postPlan(engine *gin.Engine, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/plans", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func postStatusEvent(engine *gin.Engine, planID string, specIndex int, status, messageID, token string) *httptest.ResponseRecorder {
	inner, err := json.Marshal(map[string]any{
		"plan_id": planID, "spec_index": specIndex, "status": status,
	})
	Expect(err).NotTo(HaveOccurred())
	body, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(inner),
			"messageId": messageID,
		},
	})
	Expect(err).NotTo(HaveOccurred())

	req := httptest.NewRequest(http.MethodPost, "/pubsub/spec-status", bytes.NewBuffer(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("x-goog-pubsub-verification-token", token)
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

var _ = Describe("PlanHandler", func() {
	var engine *gin.Engine

	BeforeEach(func() {
		engine = newTestRouter(newMemGateway())
	})

	Describe("Create", func() {
		It("returns 201 on a fresh plan and 200 with an identical body on replay", func() {
			planID := "44444444-4444-4444-4444-444444444444"
			body := planBody(planID, 2)

			first := postPlan(engine, body)
			Expect(first.Code).To(Equal(http.StatusCreated))

			replay := postPlan(engine, body)
			Expect(replay.Code).To(Equal(http.StatusOK))
			Expect(replay.Body.String()).To(Equal(first.Body.String()))

			var resp map[string]any
			Expect(json.Unmarshal(first.Body.Bytes(), &resp)).To(Succeed())
			Expect(resp["plan_id"]).To(Equal(planID))
			Expect(resp["status"]).To(Equal("running"))
		})

		It("returns 409 when the plan_id exists with a different payload", func() {
			planID := "44444444-4444-4444-4444-444444444444"
			Expect(postPlan(engine, planBody(planID, 2)).Code).To(Equal(http.StatusCreated))

			w := postPlan(engine, planBody(planID, 3))
			Expect(w.Code).To(Equal(http.StatusConflict))
		})

		It("returns 422 on schema violations", func() {
			raw, err := json.Marshal(map[string]any{
				"id":    "not-a-uuid",
				"specs": []map[string]any{{"purpose": "p", "vision": "v"}},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(postPlan(engine, raw).Code).To(Equal(http.StatusUnprocessableEntity))

			empty, err := json.Marshal(map[string]any{
				"id":    "44444444-4444-4444-4444-444444444444",
				"specs": []map[string]any{{"purpose": "", "vision": "v"}},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(postPlan(engine, empty).Code).To(Equal(http.StatusUnprocessableEntity))
		})
	})

	Describe("Status", func() {
		It("returns the projected view of a freshly created plan", func() {
			planID := "55555555-5555-5555-5555-555555555555"
			Expect(postPlan(engine, planBody(planID, 2)).Code).To(Equal(http.StatusCreated))

			w := httptest.NewRecorder()
			engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/plans/"+planID, nil))
			Expect(w.Code).To(Equal(http.StatusOK))

			var view map[string]any
			Expect(json.Unmarshal(w.Body.Bytes(), &view)).To(Succeed())
			Expect(view["plan_id"]).To(Equal(planID))
			Expect(view["overall_status"]).To(Equal("running"))
			Expect(view["current_spec_index"]).To(BeEquivalentTo(0))
			Expect(view["specs"]).To(HaveLen(2))
		})

		It("returns 404 for an unknown plan", func() {
			w := httptest.NewRecorder()
			engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/plans/99999999-9999-9999-9999-999999999999", nil))
			Expect(w.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("Health", func() {
		It("returns 200 ok", func() {
			w := httptest.NewRecorder()
			engine.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
			Expect(w.Code).To(Equal(http.StatusOK))
			Expect(w.Body.String()).To(MatchJSON(`{"status":"ok"}`))
		})
	})
})
