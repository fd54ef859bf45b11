package commands

import "time"

type RootArgs struct {
	logLevel         *string
	logFormat        *string
	configFile       *string
	cpuProfile       *string
	blockProfile     *string
	mutexProfile     *string
	blockProfileRate *int
	mutexProfileRate *int
	goroutines       *int
	iterations       *int
	fair             *bool
	timeout          *time.Duration
}

func NewRootArgs() *RootArgs {
	return &RootArgs{
		logLevel:         new(string),
		logFormat:        new(string),
		configFile:       new(string),
		cpuProfile:       new(string),
		blockProfile:     new(string),
		mutexProfile:     new(string),
		blockProfileRate: new(int),
		mutexProfileRate: new(int),
		goroutines:       new(int),
		iterations:       new(int),
		fair:             new(bool),
		timeout:          new(time.Duration),
	}
}

func (a *RootArgs) GetLogLevel() string {
	return *a.logLevel
}

func (a *RootArgs) GetLogFormat() string {
	return *a.logFormat
}

func (a *RootArgs) GetConfigFile() string {
	return *a.configFile
}

func (a *RootArgs) GetCPUProfile() string {
	return *a.cpuProfile
}

func (a *RootArgs) GetBlockProfile() string {
	return *a.blockProfile
}

func (a *RootArgs) GetMutexProfile() string {
	return *a.mutexProfile
}

func (a *RootArgs) GetBlockProfileRate() int {
	return *a.blockProfileRate
}

func (a *RootArgs) GetMutexProfileRate() int {
	return *a.mutexProfileRate
}

func (a *RootArgs) GetTimeout() time.Duration {
	return *a.timeout
}
