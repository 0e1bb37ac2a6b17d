package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgemesh/miiolink/device"
	"github.com/edgemesh/miiolink/netmanager"
)

var (
	callPort  int
	callToken string
)

var callCmd = &cobra.Command{
	Use:   "call <address> <method> [json-params]",
	Short: "Call a method on a device by address",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		mgr, store := manager(verboseFlag(cmd))
		ref := mgr.Ref()
		defer ref.Release()

		address, method := args[0], args[1]
		var params []interface{}
		if len(args) == 3 {
			if err := json.Unmarshal([]byte(args[2]), &params); err != nil {
				return fmt.Errorf("invalid json-params: %w", err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		info, err := mgr.FindDeviceViaAddress(ctx, netmanager.ViaAddressOptions{
			Address: address,
			Port:    callPort,
			Token:   callToken,
		})
		if err != nil {
			return fmt.Errorf("locate device at %s: %w", address, err)
		}

		if callToken != "" && store != nil {
			if err := store.Set(info.ID(), info.Token()); err != nil {
				fmt.Printf("[WARN] could not persist token for device %d: %v\n", info.ID(), err)
			}
		}

		var result json.RawMessage
		if method == "toggle" {
			fan, ok := models.Build(info).(*fanHandle)
			if !ok {
				return fmt.Errorf("call toggle: device %d (model %q) has no toggle shortcut", info.ID(), info.Model())
			}
			result, err = fan.SetPower(ctx, len(params) == 1 && params[0] == "on")
		} else {
			result, err = info.Call(ctx, method, params, device.CallOptions{})
		}
		if err != nil {
			return fmt.Errorf("call %s: %w", method, err)
		}

		fmt.Println(string(result))
		return nil
	},
}

func init() {
	callCmd.Flags().IntVarP(&callPort, "port", "p", 0, "Device port (default 54321)")
	callCmd.Flags().StringVar(&callToken, "token", "", "Manual 32-char hex token, if the device hasn't handshaked before")
}
