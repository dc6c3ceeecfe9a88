package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"partner-portal/internal/common/logger"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/worker"
)

const TaskType = "deliver-notification"

// JobInput is the variable set of a deliver-notification job.
type JobInput struct {
	NotificationID string `json:"notificationId"`
}

// JobHandler runs the deliver-notification service task.
type JobHandler struct {
	deliverer *Deliverer
	timeout   time.Duration
	logger    logger.Logger
}

func NewJobHandler(d *Deliverer, timeout time.Duration, log logger.Logger) *JobHandler {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &JobHandler{
		deliverer: d,
		timeout:   timeout,
		logger:    log.WithFields(map[string]interface{}{"taskType": TaskType}),
	}
}

func (h *JobHandler) Handle(client worker.JobClient, job entities.Job) error {
	h.logger.Info("processing job", map[string]interface{}{
		"jobKey":      job.Key,
		"workflowKey": job.ProcessInstanceKey,
	})

	input, err := parseJobInput(job.Variables)
	if err != nil {
		h.throwError(client, job, "PARSE_ERROR", err.Error())
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	result, err := h.Execute(ctx, input)
	if err != nil {
		if errors.Is(err, ErrDeliveryFailed) && job.Retries > 1 {
			h.failJob(client, job, err.Error(), job.Retries-1)
		} else {
			h.throwError(client, job, "NOTIFICATION_DELIVERY_FAILED", err.Error())
		}
		return err
	}

	h.completeJob(client, job, result)
	return nil
}

// Execute delivers the notification named by input.
func (h *JobHandler) Execute(ctx context.Context, input *JobInput) (*Result, error) {
	return h.deliverer.Deliver(ctx, input.NotificationID)
}

func parseJobInput(variables string) (*JobInput, error) {
	var input JobInput
	if err := json.Unmarshal([]byte(variables), &input); err != nil {
		return nil, fmt.Errorf("parse input: %w", err)
	}
	if input.NotificationID == "" {
		return nil, errors.New("parse input: notificationId is required")
	}
	return &input, nil
}

func (h *JobHandler) completeJob(client worker.JobClient, job entities.Job, result *Result) {
	cmd, err := client.NewCompleteJobCommand().
		JobKey(job.Key).
		VariablesFromObject(result)
	if err != nil {
		h.logger.Error("failed to create complete job command", map[string]interface{}{"error": err.Error()})
		return
	}
	if _, err := cmd.Send(context.Background()); err != nil {
		h.logger.Error("failed to send complete job command", map[string]interface{}{"error": err.Error()})
	}
}

func (h *JobHandler) failJob(client worker.JobClient, job entities.Job, message string, retries int32) {
	h.logger.Warn("job failed, will retry", map[string]interface{}{
		"jobKey":  job.Key,
		"retries": retries,
		"error":   message,
	})
	_, err := client.NewFailJobCommand().
		JobKey(job.Key).
		Retries(retries).
		ErrorMessage(message).
		Send(context.Background())
	if err != nil {
		h.logger.Error("failed to send fail job command", map[string]interface{}{"error": err.Error()})
	}
}

func (h *JobHandler) throwError(client worker.JobClient, job entities.Job, errorCode, errorMessage string) {
	h.logger.Error("job failed", map[string]interface{}{
		"jobKey":       job.Key,
		"errorCode":    errorCode,
		"errorMessage": errorMessage,
	})
	_, err := client.NewThrowErrorCommand().
		JobKey(job.Key).
		ErrorCode(errorCode).
		ErrorMessage(errorMessage).
		Send(context.Background())
	if err != nil {
		h.logger.Error("failed to throw error", map[string]interface{}{"error": err.Error()})
	}
}
