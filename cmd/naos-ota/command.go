package main

import (
	"strconv"
	"time"

	"github.com/docopt/docopt-go"
)

var usage = `naos-ota - the firmware over-the-air update agent

Usage:
  naos-ota init [options]
  naos-ota check [options]
  naos-ota update [--force] [options]
  naos-ota status [options]
  naos-ota provision <major> <minor> [options]
  naos-ota boot [options]
  naos-ota complete [options]
  naos-ota discover [--duration=<d>] [options]
  naos-ota -h | --help

Options:
  -c --config=<path>  The configuration file [default: naos-ota.yaml].
  -v --verbose        Enable debug logging.
  -f --force          Apply the image even if no update is pending.
  -d --duration=<d>   The discovery duration [default: 2s].
  -h --help           Show this screen.
`

type command struct {
	// commands
	cInit      bool
	cCheck     bool
	cUpdate    bool
	cStatus    bool
	cProvision bool
	cBoot      bool
	cComplete  bool
	cDiscover  bool

	// arguments
	aMajor uint8
	aMinor uint8

	// options
	oConfig   string
	oVerbose  bool
	oForce    bool
	oDuration time.Duration
}

func parseCommand() *command {
	a, err := docopt.Parse(usage, nil, true, "", false)
	exitIfSet(err)

	// parse version
	major, err1 := getUint8(a["<major>"])
	minor, err2 := getUint8(a["<minor>"])
	if getBool(a["provision"]) {
		exitIfSet(err1, err2)
	}

	return &command{
		// commands
		cInit:      getBool(a["init"]),
		cCheck:     getBool(a["check"]),
		cUpdate:    getBool(a["update"]),
		cStatus:    getBool(a["status"]),
		cProvision: getBool(a["provision"]),
		cBoot:      getBool(a["boot"]),
		cComplete:  getBool(a["complete"]),
		cDiscover:  getBool(a["discover"]),

		// arguments
		aMajor: major,
		aMinor: minor,

		// options
		oConfig:   getString(a["--config"]),
		oVerbose:  getBool(a["--verbose"]),
		oForce:    getBool(a["--force"]),
		oDuration: getDuration(a["--duration"]),
	}
}

func getBool(field interface{}) bool {
	val, _ := field.(bool)
	return val
}

func getString(field interface{}) string {
	str, _ := field.(string)
	return str
}

func getDuration(field interface{}) time.Duration {
	d, _ := time.ParseDuration(getString(field))
	return d
}

func getUint8(field interface{}) (uint8, error) {
	n, err := strconv.ParseUint(getString(field), 10, 8)
	return uint8(n), err
}
