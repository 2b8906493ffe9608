package util

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/spf13/viper"
)

var (
	ConfigurationFileDirectory DirectoryValueType
)

type DirectoryValueType string

func (s *DirectoryValueType) Set(value string) error {
	*s = DirectoryValueType(value)
	return nil
}
func (s *DirectoryValueType) String() string {
	return string(*s)
}

type Configuration interface {
	GetString(key string) string
	GetBool(key string) bool
	GetInt(key string) int
	GetInt64(key string) int64
	GetFloat64(key string) float64
	GetDuration(key string) time.Duration
	GetStringSlice(key string) []string
	SetDefault(key string, value interface{})
}

// LoadConfiguration merges <configFileName>.toml from the usual search paths.
// A missing file is not an error unless required is set.
func LoadConfiguration(configFileName string, required bool) (loaded bool, err error) {

	v := GetViper()
	v.Lock()
	defer v.Unlock()

	v.SetConfigName(configFileName)                                   // name of config file (without extension)
	v.AddConfigPath(ResolvePath(ConfigurationFileDirectory.String())) // path to look for the config file in
	v.AddConfigPath(".")                                              // optionally look for config in the working directory
	v.AddConfigPath("$HOME/.seaweedfs")                               // call multiple times to add many search paths
	v.AddConfigPath("/etc/seaweedfs/")                                // path to look for the config file in

	if err := v.MergeInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); notFound {
			glog.V(1).Infof("Reading %s: %v", configFileName, err)
			if required {
				return false, err
			}
			return false, nil
		}
		return false, err
	}
	glog.V(1).Infof("Reading %s.toml from %s", configFileName, v.ConfigFileUsed())

	return true, nil
}

// ResolvePath expands a leading ~ to the home directory.
func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return home + path[1:]
		}
	}
	return path
}

type ViperProxy struct {
	*viper.Viper
	sync.Mutex
}

var (
	vp = &ViperProxy{}
)

func (vp *ViperProxy) SetDefault(key string, value interface{}) {
	vp.Lock()
	defer vp.Unlock()
	vp.Viper.SetDefault(key, value)
}

func (vp *ViperProxy) GetString(key string) string {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetString(key)
}

func (vp *ViperProxy) GetBool(key string) bool {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetBool(key)
}

func (vp *ViperProxy) GetInt(key string) int {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetInt(key)
}

func (vp *ViperProxy) GetInt64(key string) int64 {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetInt64(key)
}

func (vp *ViperProxy) GetFloat64(key string) float64 {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetFloat64(key)
}

func (vp *ViperProxy) GetDuration(key string) time.Duration {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetDuration(key)
}

func (vp *ViperProxy) GetStringSlice(key string) []string {
	vp.Lock()
	defer vp.Unlock()
	return vp.Viper.GetStringSlice(key)
}

func GetViper() *ViperProxy {
	vp.Lock()
	defer vp.Unlock()

	if vp.Viper == nil {
		vp.Viper = viper.GetViper()
		vp.AutomaticEnv()
		vp.SetEnvPrefix("ahm")
		vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	}

	return vp
}

// NewViperConfiguration returns an isolated configuration, used by tests and
// by callers that do not want the process-wide viper instance.
func NewViperConfiguration() *ViperProxy {
	return &ViperProxy{Viper: viper.New()}
}
