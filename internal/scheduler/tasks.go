// Package scheduler runs the long-lived request work on asynq so it survives API restarts.
package scheduler

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	TaskEnrichCall    = "calls.enrich"
	TaskRunRequest    = "requests.run"
	TaskBookProvider  = "requests.book"
	TaskNotifyRequest = "requests.notify"
)

type EnrichCallPayload struct {
	CallID string `json:"callId"`
}

type RunRequestPayload struct {
	ServiceRequestID string `json:"serviceRequestId"`
}

type BookProviderPayload struct {
	ServiceRequestID string `json:"serviceRequestId"`
	ProviderID       string `json:"providerId"`
}

type NotifyRequestPayload struct {
	ServiceRequestID string `json:"serviceRequestId"`
}

func NewEnrichCallTask(payload EnrichCallPayload) (*asynq.Task, error) {
	return newTask(TaskEnrichCall, payload)
}

func ParseEnrichCallPayload(task *asynq.Task) (EnrichCallPayload, error) {
	var payload EnrichCallPayload
	err := json.Unmarshal(task.Payload(), &payload)
	return payload, err
}

func NewRunRequestTask(payload RunRequestPayload) (*asynq.Task, error) {
	return newTask(TaskRunRequest, payload)
}

func ParseRunRequestPayload(task *asynq.Task) (RunRequestPayload, error) {
	var payload RunRequestPayload
	err := json.Unmarshal(task.Payload(), &payload)
	return payload, err
}

func NewBookProviderTask(payload BookProviderPayload) (*asynq.Task, error) {
	return newTask(TaskBookProvider, payload)
}

func ParseBookProviderPayload(task *asynq.Task) (BookProviderPayload, error) {
	var payload BookProviderPayload
	err := json.Unmarshal(task.Payload(), &payload)
	return payload, err
}

func NewNotifyRequestTask(payload NotifyRequestPayload) (*asynq.Task, error) {
	return newTask(TaskNotifyRequest, payload)
}

func ParseNotifyRequestPayload(task *asynq.Task) (NotifyRequestPayload, error) {
	var payload NotifyRequestPayload
	err := json.Unmarshal(task.Payload(), &payload)
	return payload, err
}

func newTask(typename string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typename, data), nil
}
