package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/poweron-gmbh/touch-detect-sdk/pkg/errors"
	"tinygo.org/x/bluetooth"
)

// BluetoothTransport drives the host adapter through tinygo's bluetooth
// package.
type BluetoothTransport struct {
	adapter *bluetooth.Adapter

	mu    sync.Mutex
	addrs map[string]bluetooth.Address
	links map[string]*bluetoothLink
}

func NewBluetoothTransport() *BluetoothTransport {
	return &BluetoothTransport{
		adapter: bluetooth.DefaultAdapter,
		addrs:   make(map[string]bluetooth.Address),
		links:   make(map[string]*bluetoothLink),
	}
}

func (t *BluetoothTransport) Enable() error {
	if err := t.adapter.Enable(); err != nil {
		return fmt.Errorf("enabling adapter: %w", err)
	}
	t.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		key := strings.ToUpper(device.Address.String())
		t.mu.Lock()
		link := t.links[key]
		delete(t.links, key)
		t.mu.Unlock()
		if link != nil {
			link.lost()
		}
	})
	return nil
}

// Scan blocks for d or until ctx ends.
func (t *BluetoothTransport) Scan(ctx context.Context, d time.Duration) ([]Device, error) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
		case <-stop:
			return
		}
		_ = t.adapter.StopScan()
	}()

	var (
		mu    sync.Mutex
		found []Device
	)
	err := t.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
		key := strings.ToUpper(r.Address.String())
		t.mu.Lock()
		t.addrs[key] = r.Address
		t.mu.Unlock()
		mu.Lock()
		found = append(found, Device{Address: key, Name: r.LocalName()})
		mu.Unlock()
	})
	if err != nil {
		return nil, fmt.Errorf("scanning: %w", err)
	}
	mu.Lock()
	defer mu.Unlock()
	return found, nil
}

func (t *BluetoothTransport) Connect(_ context.Context, addr string, onDisconnect func()) (Link, error) {
	key := strings.ToUpper(addr)
	t.mu.Lock()
	address, ok := t.addrs[key]
	t.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("address %s was not seen in a scan: %w", addr, apperrors.ErrDeviceNotFound)
	}

	device, err := t.adapter.Connect(address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", addr, err)
	}
	services, err := device.DiscoverServices(nil)
	if err != nil {
		_ = device.Disconnect()
		return nil, fmt.Errorf("discovering services of %s: %w", addr, err)
	}
	link := &bluetoothLink{disconnect: device.Disconnect, onDisconnect: onDisconnect}
	for i := range services {
		chars, err := services[i].DiscoverCharacteristics(nil)
		if err != nil {
			_ = device.Disconnect()
			return nil, fmt.Errorf("discovering characteristics of %s: %w", addr, err)
		}
		link.chars = append(link.chars, chars...)
	}
	link.connected.Store(true)

	t.mu.Lock()
	t.links[key] = link
	t.mu.Unlock()
	return link, nil
}

type bluetoothLink struct {
	disconnect   func() error
	onDisconnect func()
	connected    atomic.Bool

	mu         sync.Mutex
	chars      []bluetooth.DeviceCharacteristic
	subscribed int
}

func (l *bluetoothLink) Connected() bool { return l.connected.Load() }

func (l *bluetoothLink) Subscribe(uuid string, fn func([]byte)) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.chars {
		if strings.EqualFold(l.chars[i].UUID().String(), uuid) {
			if err := l.chars[i].EnableNotifications(fn); err != nil {
				return fmt.Errorf("enabling notifications on %s: %w", uuid, err)
			}
			l.subscribed = i + 1
			return nil
		}
	}
	return fmt.Errorf("characteristic %s: %w", uuid, apperrors.ErrNotFound)
}

func (l *bluetoothLink) Unsubscribe() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subscribed == 0 {
		return nil
	}
	i := l.subscribed - 1
	l.subscribed = 0
	return l.chars[i].EnableNotifications(nil)
}

func (l *bluetoothLink) Close() error {
	l.connected.Store(false)
	return l.disconnect()
}

func (l *bluetoothLink) lost() {
	if l.connected.Swap(false) && l.onDisconnect != nil {
		l.onDisconnect()
	}
}
