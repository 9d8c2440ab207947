package models

import "time"

// DrainState represents the state of a node drain operation
type DrainState string

const (
	DrainInProgress DrainState = "in_progress"
	DrainSucceeded  DrainState = "succeeded"
	DrainFailed     DrainState = "failed"
)

// DrainRequest is the body of POST /drain-node
type DrainRequest struct {
	Cluster  string `json:"cluster"`
	NodeName string `json:"nodeName"`
}

// DrainOperation records one node drain from submission to its terminal
// state. Once the state is succeeded or failed it never changes again, so
// pollers always see a stable answer.
type DrainOperation struct {
	ID         string     `json:"id"`
	Cluster    string     `json:"cluster"`
	NodeName   string     `json:"nodeName"`
	Status     DrainState `json:"status"`
	Detail     string     `json:"detail,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}
