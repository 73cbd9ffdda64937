// Package mocks holds testify doubles for the go-ble interfaces. Each double
// embeds the interface it stands in for, so calling a method that was not
// stubbed panics loudly instead of silently succeeding.
package mocks

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/stretchr/testify/mock"
)

type MockDevice struct {
	ble.Device
	mock.Mock
}

func (m *MockDevice) Dial(ctx context.Context, a ble.Addr) (ble.Client, error) {
	args := m.Called(ctx, a)
	c, _ := args.Get(0).(ble.Client)
	return c, args.Error(1)
}

func (m *MockDevice) Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error {
	return m.Called(ctx, allowDup, h).Error(0)
}

func (m *MockDevice) Stop() error {
	return m.Called().Error(0)
}

type MockClient struct {
	ble.Client
	mock.Mock

	once         sync.Once
	disconnected chan struct{}
}

func NewMockClient() *MockClient {
	return &MockClient{disconnected: make(chan struct{})}
}

func (m *MockClient) DiscoverProfile(force bool) (*ble.Profile, error) {
	args := m.Called(force)
	p, _ := args.Get(0).(*ble.Profile)
	return p, args.Error(1)
}

func (m *MockClient) WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error {
	buf := make([]byte, len(value))
	copy(buf, value)
	return m.Called(c, buf, noRsp).Error(0)
}

func (m *MockClient) Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error {
	return m.Called(c, ind, h).Error(0)
}

func (m *MockClient) Unsubscribe(c *ble.Characteristic, ind bool) error {
	return m.Called(c, ind).Error(0)
}

func (m *MockClient) CancelConnection() error {
	return m.Called().Error(0)
}

func (m *MockClient) Disconnected() <-chan struct{} {
	return m.disconnected
}

// Drop simulates the peripheral going away.
func (m *MockClient) Drop() {
	m.once.Do(func() { close(m.disconnected) })
}

type MockAdvertisement struct {
	ble.Advertisement
	mock.Mock
}

func (m *MockAdvertisement) LocalName() string { return m.Called().String(0) }
func (m *MockAdvertisement) RSSI() int         { return m.Called().Int(0) }
func (m *MockAdvertisement) Connectable() bool { return m.Called().Bool(0) }
func (m *MockAdvertisement) Addr() ble.Addr {
	a, _ := m.Called().Get(0).(ble.Addr)
	return a
}
