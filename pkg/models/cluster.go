package models

// ClusterInfo describes one cluster the gateway can route requests to
type ClusterInfo struct {
	Name      string `json:"name"`
	Server    string `json:"server"`
	Namespace string `json:"namespace,omitempty"`
}
