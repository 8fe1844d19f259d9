package scenario

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/AgentFoundryExamples/plan-scheduler/internal/envelope"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/ingest"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/kernel"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/model"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/projection"
	"github.com/AgentFoundryExamples/plan-scheduler/internal/validate"
)

// harness wires the ingestion, kernel, and projection packages against one
// in-memory gateway, the same shape cmd/server/main.go wires against
// Postgres.
type harness struct {
	gateway   *memGateway
	ingestor  *ingest.Ingestor
	kernel    *kernel.Kernel
	projector *projection.Projector
	validator *validate.Validator
}

func newHarness() *harness {
	validator, err := validate.New()
	Expect(err).NotTo(HaveOccurred())
	gateway := newMemGateway()
	return &harness{
		gateway:   gateway,
		ingestor:  ingest.New(gateway, validator),
		kernel:    kernel.New(gateway),
		projector: projection.New(gateway),
		validator: validator,
	}
}

func planRequest(id string, n int) []byte {
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

func pushEnvelope(planID string, specIndex int, status, messageID string, stage *string) []byte {
	inner := map[string]any{"plan_id": planID, "spec_index": specIndex, "status": status}
	if stage != nil {
		inner["stage"] = *stage
	}
	innerRaw, err := json.Marshal(inner)
	Expect(err).NotTo(HaveOccurred())

	raw, err := json.Marshal(map[string]any{
		"message": map[string]any{
			"data":      base64.StdEncoding.EncodeToString(innerRaw),
			"messageId": messageID,
		},
	})
	Expect(err).NotTo(HaveOccurred())
	return raw
}

func (h *harness) send(ctx context.Context, planID string, specIndex int, status, messageID string, stage *string) (kernel.Result, error) {
	ev, err := envelope.Decode(pushEnvelope(planID, specIndex, status, messageID, stage), h.validator)
	Expect(err).NotTo(HaveOccurred())
	return h.kernel.Apply(ctx, kernel.Event{
		PlanID: ev.PlanID, SpecIndex: ev.SpecIndex, Status: ev.Status,
		Stage: ev.Stage, MessageID: ev.MessageID, RawSnippet: ev.RawSnippet,
	})
}

var _ = Describe("Plan Scheduler", func() {
	var (
		ctx context.Context
		h   *harness
	)

	BeforeEach(func() {
		ctx = context.Background()
		h = newHarness()
	})

	// Sequential completion of a 3-spec plan.
	Describe("the happy path", func() {
		It("drives every spec through running to finished in order", func() {
			planID := "11111111-1111-1111-1111-111111111111"
			result, err := h.ingestor.Create(ctx, planRequest(planID, 3))
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Outcome).To(Equal(ingest.OutcomeCreated))

			view, err := h.projector.Project(ctx, planID, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(view.CompletedSpecs).To(Equal(0))
			Expect(*view.CurrentSpecIndex).To(Equal(0))
			Expect(view.Specs[0].Status).To(Equal(model.SpecStatusRunning))
			Expect(view.Specs[1].Status).To(Equal(model.SpecStatusBlocked))
			Expect(view.Specs[2].Status).To(Equal(model.SpecStatusBlocked))

			for _, step := range []struct {
				idx int
				mid string
			}{{0, "m1"}, {1, "m2"}, {2, "m3"}} {
				_, err := h.send(ctx, planID, step.idx, "finished", step.mid, nil)
				Expect(err).NotTo(HaveOccurred())
			}

			view, err = h.projector.Project(ctx, planID, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(view.OverallStatus).To(Equal(model.OverallStatusFinished))
			Expect(view.CompletedSpecs).To(Equal(3))
			Expect(view.CurrentSpecIndex).To(BeNil())
		})
	})

	// A redelivered message leaves state untouched.
	Describe("duplicate delivery", func() {
		It("does not apply the same message_id twice", func() {
			planID := "11111111-1111-1111-1111-111111111111"
			_, err := h.ingestor.Create(ctx, planRequest(planID, 3))
			Expect(err).NotTo(HaveOccurred())

			_, err = h.send(ctx, planID, 0, "finished", "m1", nil)
			Expect(err).NotTo(HaveOccurred())

			result, err := h.send(ctx, planID, 0, "finished", "m1", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Outcome).To(Equal(kernel.OutcomeDuplicate))

			view, err := h.projector.Project(ctx, planID, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(view.CompletedSpecs).To(Equal(1))

			specs := h.gateway.specs[planID]
			historyCount := 0
			for _, entry := range specs[0].History {
				if entry.MessageID != nil && *entry.MessageID == "m1" {
					historyCount++
				}
			}
			Expect(historyCount).To(Equal(1))
		})
	})

	// A failure halts the plan and freezes current_spec_index.
	Describe("failure halts the plan", func() {
		It("marks the plan failed and ignores the now out-of-order successor event", func() {
			planID := "22222222-2222-2222-2222-222222222222"
			_, err := h.ingestor.Create(ctx, planRequest(planID, 2))
			Expect(err).NotTo(HaveOccurred())

			_, err = h.send(ctx, planID, 0, "failed", "mf", nil)
			Expect(err).NotTo(HaveOccurred())

			view, err := h.projector.Project(ctx, planID, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(view.OverallStatus).To(Equal(model.OverallStatusFailed))
			Expect(view.CurrentSpecIndex).To(BeNil())
			Expect(view.Specs[0].Status).To(Equal(model.SpecStatusFailed))
			Expect(view.Specs[1].Status).To(Equal(model.SpecStatusBlocked))

			result, err := h.send(ctx, planID, 1, "finished", "mx", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Outcome).To(Equal(kernel.OutcomeOutOfOrder))

			view, err = h.projector.Project(ctx, planID, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(view.Specs[1].Status).To(Equal(model.SpecStatusBlocked))
		})
	})

	// An event for a not-yet-current spec is rejected but recorded.
	Describe("out-of-order delivery", func() {
		It("leaves plan state untouched and records the rejected event in history", func() {
			planID := "33333333-3333-3333-3333-333333333333"
			_, err := h.ingestor.Create(ctx, planRequest(planID, 3))
			Expect(err).NotTo(HaveOccurred())

			result, err := h.send(ctx, planID, 1, "finished", "moo", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(result.Outcome).To(Equal(kernel.OutcomeOutOfOrder))

			view, err := h.projector.Project(ctx, planID, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(view.Specs[0].Status).To(Equal(model.SpecStatusRunning))
			Expect(view.Specs[1].Status).To(Equal(model.SpecStatusBlocked))
			Expect(view.Specs[2].Status).To(Equal(model.SpecStatusBlocked))

			specs := h.gateway.specs[planID]
			Expect(specs[1].History).To(HaveLen(1))
		})
	})

	// Idempotent creation, then a conflicting creation.
	Describe("plan creation idempotency", func() {
		It("returns 200-equivalent idempotent on an identical replay and rejects a differing payload", func() {
			planID := "44444444-4444-4444-4444-444444444444"
			first, err := h.ingestor.Create(ctx, planRequest(planID, 2))
			Expect(err).NotTo(HaveOccurred())
			Expect(first.Outcome).To(Equal(ingest.OutcomeCreated))

			replay, err := h.ingestor.Create(ctx, planRequest(planID, 2))
			Expect(err).NotTo(HaveOccurred())
			Expect(replay.Outcome).To(Equal(ingest.OutcomeIdempotent))

			_, err = h.ingestor.Create(ctx, planRequest(planID, 3))
			Expect(err).To(MatchError(ingest.ErrConflict))
		})
	})

	// An intermediate stage update, then completion.
	Describe("intermediate stage updates", func() {
		It("records the stage without changing status, then completes normally", func() {
			planID := "55555555-5555-5555-5555-555555555555"
			_, err := h.ingestor.Create(ctx, planRequest(planID, 1))
			Expect(err).NotTo(HaveOccurred())

			stage := "implementing"
			_, err = h.send(ctx, planID, 0, "running", "ms1", &stage)
			Expect(err).NotTo(HaveOccurred())

			view, err := h.projector.Project(ctx, planID, true)
			Expect(err).NotTo(HaveOccurred())
			Expect(view.Specs[0].Status).To(Equal(model.SpecStatusRunning))
			Expect(*view.Specs[0].Stage).To(Equal("implementing"))

			_, err = h.send(ctx, planID, 0, "finished", "ms2", nil)
			Expect(err).NotTo(HaveOccurred())

			view, err = h.projector.Project(ctx, planID, false)
			Expect(err).NotTo(HaveOccurred())
			Expect(view.OverallStatus).To(Equal(model.OverallStatusFinished))
		})
	})
})
