package models

import "time"

// PortForwardStatus represents the lifecycle state of a forwarding session
type PortForwardStatus string

const (
	PortForwardRunning PortForwardStatus = "Running"
	PortForwardStopped PortForwardStatus = "Stopped"
	PortForwardFailed  PortForwardStatus = "Failed"
)

// PortForward represents one forwarding session as stored and returned by the
// gateway. A stopped session keeps its record and can be started again under
// the same ID; only deletion removes it.
type PortForward struct {
	ID               string            `json:"id"`
	Cluster          string            `json:"cluster"`
	Namespace        string            `json:"namespace"`
	Pod              string            `json:"pod"`
	Service          string            `json:"service,omitempty"`
	ServiceNamespace string            `json:"serviceNamespace,omitempty"`
	TargetPort       string            `json:"targetPort"`
	Port             string            `json:"port"`
	Status           PortForwardStatus `json:"status"`
	Error            string            `json:"error,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
}

// PortForwardRequest is the body of POST /portforward. An empty ID lets the
// gateway assign one; an empty Port means pick any free local port. Service
// targets are resolved to a running pod behind the service's selector.
type PortForwardRequest struct {
	ID               string `json:"id,omitempty"`
	Cluster          string `json:"cluster"`
	Namespace        string `json:"namespace"`
	Pod              string `json:"pod"`
	Service          string `json:"service,omitempty"`
	ServiceNamespace string `json:"serviceNamespace,omitempty"`
	TargetPort       string `json:"targetPort"`
	Port             string `json:"port,omitempty"`
}

// PortForwardStopRequest is the body of DELETE /portforward. StopOrDelete
// true stops the session but keeps its record; false deletes the record too.
type PortForwardStopRequest struct {
	Cluster      string `json:"cluster"`
	ID           string `json:"id"`
	StopOrDelete bool   `json:"stopOrDelete"`
}
