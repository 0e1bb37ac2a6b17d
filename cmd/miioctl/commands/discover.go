package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgemesh/miiolink/device"
	"github.com/edgemesh/miiolink/discovery"
)

var discoverDuration time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Broadcast a handshake probe and list devices that answer",
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, _ := manager(verboseFlag(cmd))
		ref := mgr.Ref()
		defer ref.Release()

		registry := discovery.NewTimedDiscovery(mgr, 0, nil)
		mgr.SetObserver(observerFunc(func(info *device.Info) {
			registry.AddService(deviceSighting{info})
		}))

		registry.Start()
		time.Sleep(discoverDuration)
		registry.Stop()

		sighted := registry.Snapshot()
		if len(sighted) == 0 {
			fmt.Println("No devices responded.")
			return nil
		}

		fmt.Printf("Found %d device(s):\n\n", len(sighted))
		for _, v := range sighted {
			s := v.(deviceSighting)
			address, port := s.info.Address()
			model := s.info.Model()
			if model == "" {
				model = "(not yet enriched)"
			}
			kind := "generic"
			if _, ok := models.Build(s.info).(*fanHandle); ok {
				kind = "fan"
			}
			fmt.Printf("  id=%-10d addr=%s:%d model=%s kind=%s\n", s.info.ID(), address, port, model, kind)
		}
		return nil
	},
}

func init() {
	discoverCmd.Flags().DurationVarP(&discoverDuration, "timeout", "t", 5*time.Second, "How long to listen for replies")
}

// observerFunc adapts a plain function to netmanager.Observer.
type observerFunc func(info *device.Info)

func (f observerFunc) OnDevice(info *device.Info) { f(info) }

// deviceSighting gives a *device.Info a stable discovery.Identifiable key
// keyed by its learned id, falling back to its address before the id is
// known.
type deviceSighting struct {
	info *device.Info
}

func (s deviceSighting) ServiceID() string {
	if id := s.info.ID(); id != 0 {
		return fmt.Sprintf("%d", id)
	}
	address, port := s.info.Address()
	return fmt.Sprintf("%s:%d", address, port)
}
