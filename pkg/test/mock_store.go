package test

import (
	"github.com/stretchr/testify/mock"

	"github.com/quarterdeck-io/console/pkg/models"
)

// MockStore is a mock implementation of store.Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetPortForward(cluster, id string) (*models.PortForward, error) {
	args := m.Called(cluster, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.PortForward), args.Error(1)
}

func (m *MockStore) ListPortForwards(cluster string) ([]models.PortForward, error) {
	args := m.Called(cluster)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.PortForward), args.Error(1)
}

func (m *MockStore) SavePortForward(pf *models.PortForward) error {
	args := m.Called(pf)
	return args.Error(0)
}

func (m *MockStore) DeletePortForward(cluster, id string) error {
	args := m.Called(cluster, id)
	return args.Error(0)
}

func (m *MockStore) MarkStalePortForwardsStopped() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockStore) GetDrainOperation(id string) (*models.DrainOperation, error) {
	args := m.Called(id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DrainOperation), args.Error(1)
}

func (m *MockStore) GetNodeDrain(cluster, nodeName string) (*models.DrainOperation, error) {
	args := m.Called(cluster, nodeName)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.DrainOperation), args.Error(1)
}

func (m *MockStore) SaveDrainOperation(op *models.DrainOperation) error {
	args := m.Called(op)
	return args.Error(0)
}

func (m *MockStore) ListDrainOperations(cluster string) ([]models.DrainOperation, error) {
	args := m.Called(cluster)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.DrainOperation), args.Error(1)
}

func (m *MockStore) MarkStaleDrainsFailed() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
