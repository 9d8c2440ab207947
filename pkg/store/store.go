package store

import "github.com/quarterdeck-io/console/pkg/models"

// Store defines the interface for data persistence
type Store interface {
	// Port forwards
	GetPortForward(cluster, id string) (*models.PortForward, error)
	ListPortForwards(cluster string) ([]models.PortForward, error)
	SavePortForward(pf *models.PortForward) error
	DeletePortForward(cluster, id string) error
	MarkStalePortForwardsStopped() error

	// Node drains
	GetDrainOperation(id string) (*models.DrainOperation, error)
	GetNodeDrain(cluster, nodeName string) (*models.DrainOperation, error)
	SaveDrainOperation(op *models.DrainOperation) error
	ListDrainOperations(cluster string) ([]models.DrainOperation, error)
	MarkStaleDrainsFailed() error

	// Lifecycle
	Close() error
}
