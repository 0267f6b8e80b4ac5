package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"metabridge/client"
	"metabridge/codec"
)

var callCmd = &cobra.Command{
	Use:   "call SERVICE ENDPOINT [ARG...]",
	Short: "Invoke one endpoint of a running service",
	Long: `Invoke one endpoint of a registered service and print the result as JSON.
Arguments are parsed as JSON values; anything that does not parse is passed
through as a string, so

  metabridge call greeting get '"mundo!"'
  metabridge call calc add 2 40`,
	Args: cobra.MinimumNArgs(2),
	RunE: runCall,
}

var endpointsCmd = &cobra.Command{
	Use:   "endpoints SERVICE",
	Short: "List the endpoints a running service exposes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		proxy, err := connect(cmd, args[0])
		if err != nil {
			return err
		}
		defer proxy.Close()

		names, err := proxy.Endpoints()
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil
	},
}

func init() {
	for _, c := range []*cobra.Command{callCmd, endpointsCmd, servicesCmd} {
		c.Flags().String("registry", "", "registry coordinator address (default: METABRIDGE_REGISTRY or 127.0.0.1:7399)")
		c.Flags().String("codec", "msgpack", "wire codec (msgpack, json); must match the service")
	}
	callCmd.Flags().Duration("timeout", 5*time.Second, "per-call response timeout")
	callCmd.Flags().String("ctor", "", "constructor kwargs as a JSON object, e.g. '{\"argumento\":\"Olá,\"}'")
}

func runCall(cmd *cobra.Command, argv []string) error {
	service, endpoint := argv[0], argv[1]

	args := make([]any, 0, len(argv)-2)
	for _, raw := range argv[2:] {
		args = append(args, parseArg(raw))
	}

	proxy, err := connect(cmd, service)
	if err != nil {
		return err
	}
	defer proxy.Close()

	result, err := proxy.Call(endpoint, args...)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

func connect(cmd *cobra.Command, service string) (*client.Proxy, error) {
	addr, _ := cmd.Flags().GetString("registry")
	opts := []client.Option{client.WithCodec(codecFlag(cmd))}

	if addr != "" {
		reg, err := dialRegistry(cmd)
		if err != nil {
			return nil, err
		}
		opts = append(opts, client.WithRegistry(reg))
	}
	if timeout, err := cmd.Flags().GetDuration("timeout"); err == nil && timeout > 0 {
		opts = append(opts, client.WithTimeout(timeout))
	}
	if raw, err := cmd.Flags().GetString("ctor"); err == nil && raw != "" {
		kwargs := map[string]any{}
		if err := json.Unmarshal([]byte(raw), &kwargs); err != nil {
			return nil, fmt.Errorf("--ctor is not a JSON object: %w", err)
		}
		opts = append(opts, client.WithCtorKwargs(kwargs))
	}

	return client.Connect(service, opts...)
}

// parseArg reads a CLI argument as JSON, falling back to a bare string so
// users do not need to shell-quote every word.
func parseArg(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}

func codecFlag(cmd *cobra.Command) codec.Type {
	name, _ := cmd.Flags().GetString("codec")
	if name == "json" {
		return codec.TypeJSON
	}
	return codec.TypeMsgpack
}
