// Package ble delivers BLE advertisements from BlueZ over D-Bus. It is
// the only part of the system that talks to the radio stack; everything
// downstream sees plain scan.Advertisement values.
package ble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/godbus/dbus/v5"

	"tlmwatch/internal/scan"
)

const (
	bluezService    = "org.bluez"
	adapterIface    = "org.bluez.Adapter1"
	deviceIface     = "org.bluez.Device1"
	propertiesIface = "org.freedesktop.DBus.Properties"

	propertiesChangedMember = "org.freedesktop.DBus.Properties.PropertiesChanged"
	interfacesAddedMember   = "org.freedesktop.DBus.ObjectManager.InterfacesAdded"
)

// Scanner owns the system-bus connection and the discovery session.
type Scanner struct {
	conn    *dbus.Conn
	adapter dbus.ObjectPath
	signals chan *dbus.Signal
	logger  *slog.Logger

	// BlueZ delivers the device name and its service data in separate
	// property updates; remember names per object path.
	names map[dbus.ObjectPath]string
}

// NewScanner connects to the system bus. adapterPath is the BlueZ adapter
// object, e.g. /org/bluez/hci0.
func NewScanner(adapterPath string, logger *slog.Logger) (*Scanner, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}

	return &Scanner{
		conn:    conn,
		adapter: dbus.ObjectPath(adapterPath),
		signals: make(chan *dbus.Signal, 32),
		logger:  logger,
		names:   make(map[dbus.ObjectPath]string),
	}, nil
}

// Run starts LE discovery and invokes handle for every advertisement
// update until the context is cancelled. Discovery and the bus connection
// are released on every exit path; an in-flight callback always runs to
// completion before Run returns.
func (s *Scanner) Run(ctx context.Context, handle func(context.Context, scan.Advertisement) error) error {
	adapter := s.conn.Object(bluezService, s.adapter)

	filter := map[string]interface{}{
		"Transport":     "le",
		"DuplicateData": true,
	}
	if err := adapter.Call(adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		_ = s.conn.Close()
		return fmt.Errorf("set discovery filter: %w", err)
	}

	if err := adapter.Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
		_ = s.conn.Close()
		return fmt.Errorf("start discovery: %w", err)
	}

	matchRules := []string{
		"type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged'",
		"type='signal',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesAdded'",
	}

	defer func() {
		for _, rule := range matchRules {
			if err := s.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule).Err; err != nil {
				s.logger.Warn("remove match rule failed", "error", err)
			}
		}
		if err := adapter.Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
			s.logger.Warn("stop discovery failed", "error", err)
		}
		if err := s.conn.Close(); err != nil {
			s.logger.Warn("close system bus failed", "error", err)
		}
	}()

	for _, rule := range matchRules {
		if err := s.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			return fmt.Errorf("add match rule: %w", err)
		}
	}

	s.conn.Signal(s.signals)
	s.logger.Info("ble discovery started", "adapter", string(s.adapter))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ble discovery stopping")
			return nil

		case signal, ok := <-s.signals:
			if !ok {
				return fmt.Errorf("signal channel closed")
			}

			adv, ok := s.advertisementFromSignal(signal)
			if !ok {
				continue
			}

			if err := handle(ctx, adv); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}

func (s *Scanner) advertisementFromSignal(signal *dbus.Signal) (scan.Advertisement, bool) {
	switch signal.Name {
	case propertiesChangedMember:
		if len(signal.Body) < 2 {
			return scan.Advertisement{}, false
		}
		iface, ok := signal.Body[0].(string)
		if !ok || iface != deviceIface {
			return scan.Advertisement{}, false
		}
		props, ok := signal.Body[1].(map[string]dbus.Variant)
		if !ok {
			return scan.Advertisement{}, false
		}
		return s.advertisementFromProps(signal.Path, props)

	case interfacesAddedMember:
		if len(signal.Body) < 2 {
			return scan.Advertisement{}, false
		}
		path, ok := signal.Body[0].(dbus.ObjectPath)
		if !ok {
			return scan.Advertisement{}, false
		}
		ifaces, ok := signal.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return scan.Advertisement{}, false
		}
		props, ok := ifaces[deviceIface]
		if !ok {
			return scan.Advertisement{}, false
		}
		return s.advertisementFromProps(path, props)
	}

	return scan.Advertisement{}, false
}

func (s *Scanner) advertisementFromProps(path dbus.ObjectPath, props map[string]dbus.Variant) (scan.Advertisement, bool) {
	if nameVar, ok := props["Name"]; ok {
		if name, ok := nameVar.Value().(string); ok {
			s.names[path] = name
		}
	}

	dataVar, ok := props["ServiceData"]
	if !ok {
		return scan.Advertisement{}, false
	}
	raw, ok := dataVar.Value().(map[string]dbus.Variant)
	if !ok {
		return scan.Advertisement{}, false
	}

	serviceData := make(map[string][]byte, len(raw))
	for uuid, v := range raw {
		if b, ok := v.Value().([]byte); ok {
			serviceData[strings.ToLower(uuid)] = b
		}
	}
	if len(serviceData) == 0 {
		return scan.Advertisement{}, false
	}

	return scan.Advertisement{
		Address:     s.deviceAddress(path, props),
		LocalName:   s.deviceName(path),
		ServiceData: serviceData,
	}, true
}

func (s *Scanner) deviceName(path dbus.ObjectPath) string {
	if name, ok := s.names[path]; ok {
		return name
	}

	// The name usually arrived in an earlier update; fall back to asking
	// BlueZ for the cached property.
	var name string
	v, err := s.conn.Object(bluezService, path).GetProperty(deviceIface + ".Name")
	if err == nil {
		name, _ = v.Value().(string)
	}
	s.names[path] = name
	return name
}

func (s *Scanner) deviceAddress(path dbus.ObjectPath, props map[string]dbus.Variant) string {
	if addrVar, ok := props["Address"]; ok {
		if addr, ok := addrVar.Value().(string); ok {
			return addr
		}
	}

	// Device object paths encode the address: …/dev_AA_BB_CC_DD_EE_FF.
	str := string(path)
	if idx := strings.LastIndex(str, "/dev_"); idx >= 0 {
		return strings.ReplaceAll(str[idx+len("/dev_"):], "_", ":")
	}
	return str
}
