package testutils

import (
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/ionlink/internal/testutils/mocks"
	"github.com/stretchr/testify/mock"
)

// Nordic UART UUIDs as the firmware advertises them.
const (
	UARTService = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"
	UARTRx      = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"
	UARTTx      = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
)

// AdvertisementConfig describes one advertisement a mocked scan reports.
type AdvertisementConfig struct {
	Name        string
	Address     string
	RSSI        int
	Connectable bool
}

// UARTPeripheral is a mocked filter exposing the UART service over go-ble.
// Build wires the device and client mocks; Notify pushes bytes through the
// TX subscription the transport registered.
type UARTPeripheral struct {
	Device *mocks.MockDevice
	Client *mocks.MockClient
	Rx     *ble.Characteristic
	Tx     *ble.Characteristic

	mu      sync.Mutex
	handler ble.NotificationHandler
	ads     []AdvertisementConfig
	noUART  bool
}

func NewUARTPeripheral() *UARTPeripheral {
	return &UARTPeripheral{
		Device: &mocks.MockDevice{},
		Client: mocks.NewMockClient(),
		Rx:     &ble.Characteristic{UUID: ble.MustParse(UARTRx), Property: ble.CharWriteNR},
		Tx:     &ble.Characteristic{UUID: ble.MustParse(UARTTx), Property: ble.CharNotify},
	}
}

// WithAdvertisement adds an advertisement reported by Scan.
func (p *UARTPeripheral) WithAdvertisement(ad AdvertisementConfig) *UARTPeripheral {
	p.ads = append(p.ads, ad)
	return p
}

// WithoutUART makes profile discovery return an unrelated service.
func (p *UARTPeripheral) WithoutUART() *UARTPeripheral {
	p.noUART = true
	return p
}

// Build registers the mock expectations.
func (p *UARTPeripheral) Build() *UARTPeripheral {
	svc := &ble.Service{UUID: ble.MustParse(UARTService), Characteristics: []*ble.Characteristic{p.Rx, p.Tx}}
	if p.noUART {
		svc = &ble.Service{UUID: ble.MustParse("180F")}
	}

	p.Device.On("Dial", mock.Anything, mock.Anything).Return(p.Client, nil)
	p.Client.On("DiscoverProfile", true).Return(&ble.Profile{Services: []*ble.Service{svc}}, nil)
	p.Client.On("Subscribe", p.Tx, false, mock.Anything).Run(func(args mock.Arguments) {
		p.mu.Lock()
		p.handler = args.Get(2).(ble.NotificationHandler)
		p.mu.Unlock()
	}).Return(nil)
	p.Client.On("Unsubscribe", p.Tx, false).Return(nil)
	p.Client.On("CancelConnection").Return(nil)
	p.Client.On("WriteCharacteristic", p.Rx, mock.Anything, true).Return(nil)

	p.Device.On("Scan", mock.Anything, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		handler := args.Get(2).(ble.AdvHandler)
		for _, ad := range p.ads {
			handler(p.advertisement(ad))
		}
	}).Return(nil)
	return p
}

func (p *UARTPeripheral) advertisement(ad AdvertisementConfig) ble.Advertisement {
	adv := &mocks.MockAdvertisement{}
	adv.On("LocalName").Return(ad.Name)
	adv.On("RSSI").Return(ad.RSSI)
	adv.On("Connectable").Return(ad.Connectable)
	adv.On("Addr").Return(ble.NewAddr(ad.Address))
	return adv
}

// Notify delivers data as a TX notification. It reports false when nothing
// is subscribed.
func (p *UARTPeripheral) Notify(data []byte) bool {
	p.mu.Lock()
	h := p.handler
	p.mu.Unlock()
	if h == nil {
		return false
	}
	h(data)
	return true
}

// Written returns every chunk written to RX, in order.
func (p *UARTPeripheral) Written() [][]byte {
	var out [][]byte
	for _, call := range p.Client.Calls {
		if call.Method == "WriteCharacteristic" {
			out = append(out, call.Arguments.Get(1).([]byte))
		}
	}
	return out
}
