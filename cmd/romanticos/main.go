// Command romanticos boots the kernel on an emulated machine and drives the
// demo workload: a handful of processes exercising the console, the
// filesystem, demand paging, sleep wakeups and timer preemption. The boot
// parameters come from an optional JSON config file layered over the
// defaults, for example:
//
//	{"MemoryMiB": 32, "Scheduler": "fair", "TimeSlice": 4, "TickHz": 100,
//	 "Processes": [{"Priority": 10}, {"Priority": 5}]}
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/keitagame/romanticos/kernel/cpu"
	"github.com/keitagame/romanticos/kernel/kmain"
)

func main() {
	cfgPath := flag.String("config", "", "path to a JSON config file")
	flag.Parse()

	cfg := demoConfig()
	if *cfgPath != "" {
		if err := loadConfig(*cfgPath, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "romanticos: %v\n", err)
			os.Exit(1)
		}
	}
	if cfg.MemoryMiB == 0 {
		fmt.Fprintln(os.Stderr, "romanticos: memory size must be positive")
		os.Exit(1)
	}

	m := cpu.New(uintptr(cfg.MemoryMiB)<<20, os.Stdout)

	k, err := kmain.Boot(m, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "romanticos: boot failed: %s\n", err.Error())
		os.Exit(1)
	}

	runDemo(k)
}

// demoConfig is the default workload: three round-robin workers with a
// short time slice so preemption shows up in the output.
func demoConfig() kmain.Config {
	cfg := kmain.DefaultConfig()
	cfg.TimeSlice = 4
	cfg.Processes = []kmain.ProcessConfig{
		{Priority: 10},
		{Priority: 10},
		{Priority: 10},
	}
	return cfg
}

// loadConfig layers the JSON document at path over cfg, so absent fields
// keep their defaults.
func loadConfig(path string, cfg *kmain.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
