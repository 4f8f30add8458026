package http

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"hindsight/internal/jobs"
	"hindsight/internal/store"
)

type JobResponse struct {
	Success bool     `json:"success"`
	Code    string   `json:"code,omitempty"`
	Error   string   `json:"error,omitempty"`
	Job     *JobBody `json:"job,omitempty"`
}

func getJobHandler(c *fiber.Ctx) error {
	engine := c.Locals("engine").(*jobs.Engine)

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid job id")
	}
	job, err := engine.Get(c.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		return notFoundResp(c, "job not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	body := jobBody(job)
	return c.JSON(JobResponse{Success: true, Job: &body})
}

// cancelJobHandler cancels a pending or running job. Running handlers stop
// at their next progress checkpoint.
func cancelJobHandler(c *fiber.Ctx) error {
	engine := c.Locals("engine").(*jobs.Engine)

	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return badRequest(c, "invalid job id")
	}
	job, err := engine.Cancel(c.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		// The cancel update matches only pending/running rows; tell a
		// terminal job apart from a missing one.
		existing, getErr := engine.Get(c.Context(), id)
		if getErr == nil && existing.State.IsTerminal() {
			return c.Status(fiber.StatusConflict).JSON(JobResponse{
				Success: false, Code: "ALREADY_TERMINAL",
				Error: "job already reached state " + string(existing.State),
			})
		}
		return notFoundResp(c, "job not found")
	}
	if err != nil {
		return internalError(c, err)
	}
	body := jobBody(job)
	return c.JSON(JobResponse{Success: true, Job: &body})
}

func queueDepthsHandler(c *fiber.Ctx) error {
	engine := c.Locals("engine").(*jobs.Engine)

	depths, err := engine.Depths(c.Context())
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(fiber.Map{"success": true, "queues": depths})
}

type DeadLetterBody struct {
	ID             uuid.UUID  `json:"id"`
	IntentID       *uuid.UUID `json:"intent_id,omitempty"`
	JobID          *uuid.UUID `json:"job_id,omitempty"`
	ReasonCategory string     `json:"reason_category"`
	LastError      string     `json:"last_error"`
	FirstFailedAt  time.Time  `json:"first_failed_at"`
	Attempts       int        `json:"attempts"`
}

func listDeadLettersHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	letters, err := st.ListDeadLetters(c.Context(), c.QueryInt("limit", 100))
	if err != nil {
		return internalError(c, err)
	}
	out := make([]DeadLetterBody, 0, len(letters))
	for _, dl := range letters {
		out = append(out, DeadLetterBody{
			ID:             dl.ID,
			IntentID:       dl.IntentID,
			JobID:          dl.JobID,
			ReasonCategory: dl.ReasonCategory,
			LastError:      dl.LastError,
			FirstFailedAt:  dl.FirstFailedAt,
			Attempts:       dl.Attempts,
		})
	}
	return c.JSON(fiber.Map{"success": true, "dead_letters": out})
}
