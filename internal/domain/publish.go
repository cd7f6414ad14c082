package domain

import (
	"errors"
	"time"
)

// PublishStatus is the per-destination publish state of a product.
type PublishStatus string

const (
	PublishStatusNotPushed PublishStatus = "not_pushed"
	PublishStatusPushed    PublishStatus = "pushed"
	PublishStatusFailed    PublishStatus = "failed"
)

// PublishStep is one sub-step of publishing a product.
type PublishStep string

const (
	StepNone           PublishStep = ""
	StepCreate         PublishStep = "create"
	StepAttachVariants PublishStep = "attach-variants"
	StepAttachImages   PublishStep = "attach-images"
)

// PublishSteps lists the sub-steps in execution order.
var PublishSteps = []PublishStep{StepCreate, StepAttachVariants, StepAttachImages}

const unknownPublishError = "unknown error"

var errMissingRemoteID = errors.New("cannot mark pushed without a remote id")

// PublishRecord tracks one product at one destination. It is kept apart
// from the product so publish outcomes never mutate it.
type PublishRecord struct {
	ProductID     string        `db:"product_id"     json:"product_id"`
	Destination   string        `db:"destination"    json:"destination"`
	Status        PublishStatus `db:"status"         json:"status"`
	RemoteID      string        `db:"remote_id"      json:"remote_id,omitempty"`
	CompletedStep PublishStep   `db:"completed_step" json:"completed_step,omitempty"`
	FailedStep    PublishStep   `db:"failed_step"    json:"failed_step,omitempty"`
	LastError     string        `db:"last_error"     json:"last_error,omitempty"`
	Attempts      int           `db:"attempts"       json:"attempts"`
	CreatedAt     time.Time     `db:"created_at"     json:"created_at"`
	UpdatedAt     time.Time     `db:"updated_at"     json:"updated_at"`
}

// NewPublishRecord returns a not-yet-pushed record.
func NewPublishRecord(productID, destination string) *PublishRecord {
	now := time.Now().UTC()
	return &PublishRecord{
		ProductID:   productID,
		Destination: destination,
		Status:      PublishStatusNotPushed,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NextStep returns the first step not yet completed, or StepNone when all are.
func (r *PublishRecord) NextStep() PublishStep {
	if r.CompletedStep == StepNone {
		return StepCreate
	}
	for i, step := range PublishSteps {
		if step == r.CompletedStep && i+1 < len(PublishSteps) {
			return PublishSteps[i+1]
		}
	}
	return StepNone
}

// BeginAttempt counts a publish attempt.
func (r *PublishRecord) BeginAttempt() {
	r.Attempts++
	r.touch()
}

// MarkCreated stores the remote identifier after the create step.
func (r *PublishRecord) MarkCreated(remoteID string) {
	r.RemoteID = remoteID
	r.CompletedStep = StepCreate
	r.touch()
}

// MarkStepDone records step as completed.
func (r *PublishRecord) MarkStepDone(step PublishStep) {
	r.CompletedStep = step
	r.touch()
}

// MarkPushed marks every step done. A pushed record always has a remote id.
func (r *PublishRecord) MarkPushed() error {
	if r.RemoteID == "" {
		return errMissingRemoteID
	}
	r.Status = PublishStatusPushed
	r.CompletedStep = StepAttachImages
	r.FailedStep = StepNone
	r.LastError = ""
	r.touch()
	return nil
}

// MarkFailed records a failed step. A failed record always has error detail.
func (r *PublishRecord) MarkFailed(step PublishStep, err error) {
	msg := unknownPublishError
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	r.Status = PublishStatusFailed
	r.FailedStep = step
	r.LastError = msg
	r.touch()
}

func (r *PublishRecord) touch() {
	r.UpdatedAt = time.Now().UTC()
}
