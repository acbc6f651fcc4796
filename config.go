// Copyright (c) 2024 The dropcoord developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "dropcoord.conf"
	defaultDataDirname    = "data"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultLogFilename    = "dropcoord.log"
	defaultDBFilename     = "dropcoord.db"
	defaultListen         = "127.0.0.1:8000"

	defaultMaxRollover       = 50
	defaultLoyaltySilverAt   = 5
	defaultLoyaltyGoldAt     = 20
	defaultLoyaltySilverMult = 1.25
	defaultLoyaltyGoldMult   = 1.5

	defaultQueueIssueRate  = 10.0
	defaultQueueReadyCap   = 100
	defaultPerFpCap        = 3
	defaultPerIPCap        = 5
	defaultQueueTokenTTL   = 30 * time.Minute
	defaultQueueReadyTTL   = 5 * time.Minute
	defaultMinBehavior     = 0.0
	defaultTrustThreshold  = 50.0
	defaultFpMinLength     = 4
	defaultFpConfThreshold = 30.0

	defaultRateLimitWindow = time.Minute
	defaultRateLimitMax    = 60

	defaultPowDifficulty = 16
	defaultPowTTL        = 5 * time.Minute
)

var (
	dropcoordHomeDir  = defaultHomeDir()
	defaultConfigFile = filepath.Join(dropcoordHomeDir, defaultConfigFilename)
	defaultDataDir    = filepath.Join(dropcoordHomeDir, defaultDataDirname)
	defaultLogDir     = filepath.Join(dropcoordHomeDir, defaultLogDirname)
)

// config defines the configuration options for dropcoord.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ShowVersion bool   `short:"V" long:"version" description:"Display version information and exit"`
	ConfigFile  string `short:"C" long:"configfile" description:"Path to configuration file"`
	DataDir     string `short:"b" long:"datadir" description:"Directory to store data"`
	LogDir      string `long:"logdir" description:"Directory to log output."`
	Listen      string `long:"listen" description:"Interface/port to listen for HTTP connections"`
	DebugLevel  string `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`

	// Secrets. The token key signs purchase tokens, the IP salt hashes
	// client addresses before persistence, and the API secret signs
	// admin JWTs.
	TokenKey  string `long:"tokenkey" description:"Hex-encoded HMAC key for purchase tokens (32 bytes)"`
	IPSalt    string `long:"ipsalt" description:"Salt prepended to client IPs before hashing"`
	APISecret string `long:"apisecret" description:"Secret string used to sign admin API tokens"`

	// Per-user state.
	MaxRollover       int64   `long:"maxrollover" description:"Maximum rollover entry credit a user can accumulate"`
	LoyaltySilverAt   int     `long:"loyaltysilverat" description:"Distinct drops required for silver tier"`
	LoyaltyGoldAt     int     `long:"loyaltygoldat" description:"Distinct drops required for gold tier"`
	LoyaltySilverMult float64 `long:"loyaltysilvermult" description:"Silver tier ticket multiplier"`
	LoyaltyGoldMult   float64 `long:"loyaltygoldmult" description:"Gold tier ticket multiplier"`

	// Admission queue.
	QueueEnabled      bool          `long:"queueenabled" description:"Require an admission queue token to register"`
	QueueIssueRate    float64       `long:"queueissuerate" description:"Ready token promotions per second"`
	QueueReadyCap     int           `long:"queuereadycap" description:"Maximum concurrently ready queue tokens"`
	PerFingerprintCap int           `long:"perfingerprintcap" description:"Maximum queue tokens per device fingerprint"`
	PerIPCap          int           `long:"peripcap" description:"Maximum queue tokens per hashed IP"`
	QueueTokenTTL     time.Duration `long:"queuetokenttl" description:"Lifetime of a waiting queue token"`
	QueueReadyTTL     time.Duration `long:"queuereadyttl" description:"Window to use a ready queue token"`
	MinBehaviorScore  float64       `long:"minbehaviorscore" description:"Minimum behavior score accepted at registration"`

	// Trust scoring.
	TrustThreshold        float64       `long:"trustthreshold" description:"Minimum combined trust score accepted at registration"`
	FingerprintMinLength  int           `long:"fingerprintminlength" description:"Minimum device fingerprint length"`
	FingerprintConfidence float64       `long:"fingerprintconfidence" description:"Minimum fingerprint confidence accepted"`
	PowDifficulty         int           `long:"powdifficulty" description:"Leading zero bits required of PoW solutions"`
	PowTTL                time.Duration `long:"powttl" description:"Lifetime of an issued PoW challenge"`

	// Rate limiting.
	RateLimitWindow time.Duration `long:"ratelimitwindow" description:"Rate limit window duration"`
	RateLimitMax    int           `long:"ratelimitmax" description:"Requests allowed per IP per window"`

	// Outbound mail.
	SMTPFrom     string `long:"smtpfrom" description:"From address to use on outbound mail"`
	SMTPHost     string `long:"smtphost" description:"SMTP hostname/ip and port, e.g. mail.example.com:25"`
	SMTPUsername string `long:"smtpusername" description:"SMTP username for authentication if required"`
	SMTPPassword string `long:"smtppassword" description:"SMTP password for authentication if required"`
	UseSMTPS     bool   `long:"usesmtps" description:"Connect to the SMTP server using smtps."`

	AdminIPs []string `long:"adminips" description:"Hosts allowed to use the admin API"`
	Version  string

	tokenKey []byte
}

// defaultHomeDir returns an OS-appropriate home directory for dropcoord.
func defaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".dropcoord")
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(dropcoordHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}

// validLogLevel returns whether or not logLevel is a valid debug log level.
func validLogLevel(logLevel string) bool {
	switch logLevel {
	case "trace":
		fallthrough
	case "debug":
		fallthrough
	case "info":
		fallthrough
	case "warn":
		fallthrough
	case "error":
		fallthrough
	case "critical":
		return true
	}
	return false
}

// supportedSubsystems returns a sorted slice of the supported subsystems for
// logging purposes.
func supportedSubsystems() []string {
	// Convert the subsystemLoggers map keys to a slice.
	subsystems := make([]string, 0, len(subsystemLoggers))
	for subsysID := range subsystemLoggers {
		subsystems = append(subsystems, subsysID)
	}

	// Sort the subsytems for stable display.
	sort.Strings(subsystems)
	return subsystems
}

// parseAndSetDebugLevels attempts to parse the specified debug level and set
// the levels accordingly.  An appropriate error is returned if anything is
// invalid.
func parseAndSetDebugLevels(debugLevel string) error {
	// When the specified string doesn't have any delimters, treat it as
	// the log level for all subsystems.
	if !strings.Contains(debugLevel, ",") && !strings.Contains(debugLevel, "=") {
		// Validate debug log level.
		if !validLogLevel(debugLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, debugLevel)
		}

		// Change the logging level for all subsystems.
		setLogLevels(debugLevel)

		return nil
	}

	// Split the specified string into subsystem/level pairs while detecting
	// issues and update the log levels accordingly.
	for _, logLevelPair := range strings.Split(debugLevel, ",") {
		if !strings.Contains(logLevelPair, "=") {
			str := "The specified debug level contains an invalid " +
				"subsystem/level pair [%v]"
			return fmt.Errorf(str, logLevelPair)
		}

		// Extract the specified subsystem and log level.
		fields := strings.Split(logLevelPair, "=")
		subsysID, logLevel := fields[0], fields[1]

		// Validate subsystem.
		if _, exists := subsystemLoggers[subsysID]; !exists {
			str := "The specified subsystem [%v] is invalid -- " +
				"supported subsytems %v"
			return fmt.Errorf(str, subsysID, supportedSubsystems())
		}

		// Validate log level.
		if !validLogLevel(logLevel) {
			str := "The specified debug level [%v] is invalid"
			return fmt.Errorf(str, logLevel)
		}

		setLogLevel(subsysID, logLevel)
	}

	return nil
}

// normalizeAddress returns addr with the passed default port appended if
// there is not already a port specified.
func normalizeAddress(addr, defaultPort string) string {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return net.JoinHostPort(addr, defaultPort)
	}
	return addr
}

// filesExists reports whether the named file or directory exists.
func fileExists(name string) bool {
	if _, err := os.Stat(name); err != nil {
		if os.IsNotExist(err) {
			return false
		}
	}
	return true
}

// newConfigParser returns a new command line flags parser.
func newConfigParser(cfg *config, options flags.Options) *flags.Parser {
	return flags.NewParser(cfg, options)
}

// loadConfig initializes and parses the config using a config file and command
// line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified options
//  4. Parse CLI options and overwrite/add any specified options
//
// The above results in the daemon functioning properly without any config
// settings while still allowing the user to override settings with config
// files and command line options.  Command line options always take
// precedence.
func loadConfig() (*config, []string, error) {
	// Default config.
	cfg := config{
		ConfigFile:            defaultConfigFile,
		DataDir:               defaultDataDir,
		LogDir:                defaultLogDir,
		Listen:                defaultListen,
		DebugLevel:            defaultLogLevel,
		MaxRollover:           defaultMaxRollover,
		LoyaltySilverAt:       defaultLoyaltySilverAt,
		LoyaltyGoldAt:         defaultLoyaltyGoldAt,
		LoyaltySilverMult:     defaultLoyaltySilverMult,
		LoyaltyGoldMult:       defaultLoyaltyGoldMult,
		QueueIssueRate:        defaultQueueIssueRate,
		QueueReadyCap:         defaultQueueReadyCap,
		PerFingerprintCap:     defaultPerFpCap,
		PerIPCap:              defaultPerIPCap,
		QueueTokenTTL:         defaultQueueTokenTTL,
		QueueReadyTTL:         defaultQueueReadyTTL,
		MinBehaviorScore:      defaultMinBehavior,
		TrustThreshold:        defaultTrustThreshold,
		FingerprintMinLength:  defaultFpMinLength,
		FingerprintConfidence: defaultFpConfThreshold,
		PowDifficulty:         defaultPowDifficulty,
		PowTTL:                defaultPowTTL,
		RateLimitWindow:       defaultRateLimitWindow,
		RateLimitMax:          defaultRateLimitMax,
		Version:               version(),
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.  Any errors aside from the
	// help message error can be ignored here since they will be caught by
	// the final parse below.
	preCfg := cfg
	preParser := newConfigParser(&preCfg, flags.HelpFlag)
	_, err := preParser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(0)
		}
	}

	// Show the version and exit if the version flag was specified.
	appName := filepath.Base(os.Args[0])
	appName = strings.TrimSuffix(appName, filepath.Ext(appName))
	if preCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, version())
		os.Exit(0)
	}

	// Load additional config from file.
	var configFileError error
	parser := newConfigParser(&cfg, flags.Default)
	if fileExists(preCfg.ConfigFile) {
		err := flags.NewIniParser(parser).ParseFile(preCfg.ConfigFile)
		if err != nil {
			if _, ok := err.(*os.PathError); !ok {
				fmt.Fprintf(os.Stderr, "Error parsing config file: %v\n", err)
				return nil, nil, err
			}
			configFileError = err
		}
	}

	// Parse command line options again to ensure they take precedence.
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); !ok || e.Type != flags.ErrHelp {
			fmt.Fprintln(os.Stderr, err)
		}
		return nil, nil, err
	}

	cfg.DataDir = cleanAndExpandPath(cfg.DataDir)
	cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
	cfg.Listen = normalizeAddress(cfg.Listen, "8000")

	// Initialize log rotation.  After log rotation has been initialized,
	// the logger variables may be used.
	initLogRotator(filepath.Join(cfg.LogDir, defaultLogFilename))

	// Parse, validate, and set debug log level(s).
	if err := parseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %v", "loadConfig", err.Error())
		fmt.Fprintln(os.Stderr, err)
		parser.WriteHelp(os.Stderr)
		return nil, nil, err
	}

	if cfg.TokenKey == "" {
		return nil, nil, fmt.Errorf("the tokenkey option is not set")
	}
	cfg.tokenKey, err = hex.DecodeString(cfg.TokenKey)
	if err != nil || len(cfg.tokenKey) < 16 {
		return nil, nil, fmt.Errorf("tokenkey must be at least 16 hex-encoded bytes")
	}
	if cfg.IPSalt == "" {
		return nil, nil, fmt.Errorf("the ipsalt option is not set")
	}
	if cfg.APISecret == "" {
		return nil, nil, fmt.Errorf("the apisecret option is not set")
	}
	if cfg.LoyaltySilverAt <= 0 || cfg.LoyaltyGoldAt <= cfg.LoyaltySilverAt {
		return nil, nil, fmt.Errorf("loyalty thresholds must satisfy 0 < silver < gold")
	}
	if cfg.QueueIssueRate <= 0 {
		return nil, nil, fmt.Errorf("queueissuerate must be positive")
	}

	// Warn about missing config file after the final command line parse
	// succeeds.  This prevents the warning on help messages and invalid
	// options.
	if configFileError != nil {
		mainLog.Warnf("%v", configFileError)
	}

	return &cfg, remainingArgs, nil
}
