package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/srg/gattlink/internal/host"
	"github.com/srg/gattlink/internal/host/sim"
	"github.com/srg/gattlink/internal/testutils"
	"github.com/srg/gattlink/pkg/config"
	"gopkg.in/yaml.v3"
)

// CommandTestSuite runs cobra commands against the suite's simulated adapter
type CommandTestSuite struct {
	testutils.PeripheralSuite

	realFactory func(*config.Config, string, *logrus.Logger) (host.Adapter, error)
}

func (s *CommandTestSuite) SetupSuite() {
	s.PeripheralSuite.SetupSuite()
	color.NoColor = true
	s.realFactory = AdapterFactory
}

func (s *CommandTestSuite) SetupTest() {
	s.PeripheralSuite.SetupTest()
	// Every command closes its adapter, like a real process would
	AdapterFactory = func(*config.Config, string, *logrus.Logger) (host.Adapter, error) {
		return sim.NewAdapter(s.Logger, s.Peripheral), nil
	}
}

func (s *CommandTestSuite) TearDownTest() {
	AdapterFactory = s.realFactory
	s.PeripheralSuite.TearDownTest()
}

// UsePeripheral replaces the simulated device for the current test
func (s *CommandTestSuite) UsePeripheral(b *testutils.PeripheralDeviceBuilder) *sim.Peripheral {
	p, err := b.Build(s.Logger)
	s.Require().NoError(err, "simulated peripheral MUST build")
	_ = s.Adapter.Close()
	s.Peripheral = p
	s.Adapter = sim.NewAdapter(s.Logger, p)
	s.Address = p.Address()
	return p
}

// ExecuteCommand runs the root command with args and returns stdout and the error
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	out := new(bytes.Buffer)
	cmd := newRootCmd()
	cmd.SetOut(out)
	cmd.SetErr(new(bytes.Buffer))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

// WriteFile writes content into a per-test temp dir and returns its path
func (s *CommandTestSuite) WriteFile(name string, content []byte) string {
	path := filepath.Join(s.T().TempDir(), name)
	s.Require().NoError(os.WriteFile(path, content, 0o600))
	return path
}

// WriteProfile stores a peripheral profile as YAML for --simulate
func (s *CommandTestSuite) WriteProfile(b *testutils.PeripheralDeviceBuilder) string {
	data, err := yaml.Marshal(b.Profile())
	s.Require().NoError(err, "profile MUST marshal")
	return s.WriteFile("peripheral.yaml", data)
}
