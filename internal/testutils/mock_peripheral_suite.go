package testutils

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/device"
	"github.com/srg/gattlink/internal/host/sim"
	"github.com/stretchr/testify/suite"
)

// PeripheralSuite is a testify suite backed by one simulated peripheral
// behind a simulated adapter.
//
// Basic usage (battery service 180F with level 2A19 = 0x32):
//
//	type ClientSuite struct {
//	    testutils.PeripheralSuite
//	}
//
// Custom profile:
//
//	func (s *HeartRateSuite) SetupTest() {
//	    s.WithPeripheral().
//	        WithService("180D").
//	        WithCharacteristic("2A37", "read,notify", []byte{80})
//
//	    s.PeripheralSuite.SetupTest() // call parent last to apply the profile
//	}
type PeripheralSuite struct {
	suite.Suite

	Helper      *TestHelper
	Logger      *logrus.Logger
	TestTimeout time.Duration

	PeripheralBuilder *PeripheralDeviceBuilder

	Peripheral *sim.Peripheral
	Adapter    *sim.Adapter
	Address    device.Address
}

func (s *PeripheralSuite) SetupSuite() {
	s.Helper = NewTestHelper(s.T())
	s.Logger = s.Helper.Logger
	s.TestTimeout = 2 * time.Second
}

// SetupTest builds the peripheral and adapter for the next test
func (s *PeripheralSuite) SetupTest() {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = defaultPeripheralBuilder()
	}

	var err error
	s.Peripheral, err = s.PeripheralBuilder.Build(s.Logger)
	s.Require().NoError(err, "simulated peripheral MUST build")
	s.Adapter = sim.NewAdapter(s.Logger, s.Peripheral)
	s.Address = s.Peripheral.Address()

	s.Logger.Debug("Test setup completed - ready for execution")
}

// TearDownTest drops every simulated link and resets the builder
func (s *PeripheralSuite) TearDownTest() {
	if s.Adapter != nil {
		_ = s.Adapter.Close()
	}
	s.PeripheralBuilder = nil
	s.Peripheral = nil
	s.Adapter = nil
}

// WithPeripheral returns the builder for the next SetupTest
func (s *PeripheralSuite) WithPeripheral() *PeripheralDeviceBuilder {
	if s.PeripheralBuilder == nil {
		s.PeripheralBuilder = NewPeripheralDeviceBuilder()
	}
	return s.PeripheralBuilder
}

// WaitFor waits up to TestTimeout for cond
func (s *PeripheralSuite) WaitFor(cond func() bool, msgAndArgs ...interface{}) bool {
	return s.Eventually(cond, s.TestTimeout, time.Millisecond, msgAndArgs...)
}

func defaultPeripheralBuilder() *PeripheralDeviceBuilder {
	return NewPeripheralDeviceBuilder().
		WithService("180F").
		WithCharacteristic("2A19", "read,notify", []byte{50})
}
