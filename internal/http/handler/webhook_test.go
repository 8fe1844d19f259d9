package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"

	"github.com/gin-gonic/gin"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("WebhookHandler", func() {
	var (
		engine  *gin.Engine
		gateway *memGateway
	)

	BeforeEach(func() {
		gateway = newMemGateway()
		engine = newTestRouter(gateway)
	})

	createPlan := func(planID string, n int) {
		Expect(postPlan(engine, planBody(planID, n)).Code).To(Equal(http.StatusCreated))
	}

	Describe("authentication", func() {
		It("rejects a missing verification token with 401", func() {
			w := postStatusEvent(engine, "11111111-1111-1111-1111-111111111111", 0, "finished", "m1", "")
			Expect(w.Code).To(Equal(http.StatusUnauthorized))
		})

		It("rejects a wrong verification token with 401", func() {
			w := postStatusEvent(engine, "11111111-1111-1111-1111-111111111111", 0, "finished", "m1", "wrong")
			Expect(w.Code).To(Equal(http.StatusUnauthorized))
		})
	})

	Describe("status events", func() {
		It("returns 204 and advances the plan on an in-order finished event", func() {
			planID := "11111111-1111-1111-1111-111111111111"
			createPlan(planID, 2)

			w := postStatusEvent(engine, planID, 0, "finished", "m1", verificationToken)
			Expect(w.Code).To(Equal(http.StatusNoContent))

			plan := gateway.plans[planID]
			Expect(plan.CompletedSpecs).To(Equal(1))
			Expect(*plan.CurrentSpecIndex).To(Equal(1))
		})

		It("returns 204 on duplicates, out-of-order, and unknown plans", func() {
			planID := "11111111-1111-1111-1111-111111111111"
			createPlan(planID, 3)

			Expect(postStatusEvent(engine, planID, 0, "finished", "m1", verificationToken).Code).To(Equal(http.StatusNoContent))
			// Duplicate message_id.
			Expect(postStatusEvent(engine, planID, 0, "finished", "m1", verificationToken).Code).To(Equal(http.StatusNoContent))
			// Terminal event for a spec that is not current.
			Expect(postStatusEvent(engine, planID, 2, "finished", "m2", verificationToken).Code).To(Equal(http.StatusNoContent))
			// Unknown plan and out-of-range spec_index are graceful, not 4xx.
			Expect(postStatusEvent(engine, "99999999-9999-9999-9999-999999999999", 0, "finished", "m3", verificationToken).Code).To(Equal(http.StatusNoContent))
			Expect(postStatusEvent(engine, planID, 9, "finished", "m4", verificationToken).Code).To(Equal(http.StatusNoContent))

			plan := gateway.plans[planID]
			Expect(plan.CompletedSpecs).To(Equal(1))
			Expect(*plan.CurrentSpecIndex).To(Equal(1))
		})

		It("returns 400 on a malformed envelope", func() {
			req := httptest.NewRequest(http.MethodPost, "/pubsub/spec-status", bytes.NewBufferString(`{not json`))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("x-goog-pubsub-verification-token", verificationToken)
			w := httptest.NewRecorder()
			engine.ServeHTTP(w, req)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})

		It("returns 400 when the inner payload is not valid base64 json", func() {
			body, err := json.Marshal(map[string]any{
				"message": map[string]any{"data": "!!!not-base64!!!", "messageId": "m1"},
			})
			Expect(err).NotTo(HaveOccurred())

			req := httptest.NewRequest(http.MethodPost, "/pubsub/spec-status", bytes.NewBuffer(body))
			req.Header.Set("Content-Type", "application/json")
			req.Header.Set("x-goog-pubsub-verification-token", verificationToken)
			w := httptest.NewRecorder()
			engine.ServeHTTP(w, req)
			Expect(w.Code).To(Equal(http.StatusBadRequest))
		})
	})
})
