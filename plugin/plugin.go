// Package plugin hosts optional server integrations (service registration)
// behind factories selected by configuration.
package plugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/lcx/gamenet/config"
	"github.com/lcx/gamenet/log"
)

// Type represents the plugin type supported by the system.
type Type string

const (
	// Registry is the service registration plugin type.
	Registry Type = "registry"
)

const (
	DefaultInsName = "default" // DefaultInsName is the default instance name when not specified in config.
)

// PluginConfig maps plugin type to "<factory>[_suffix]" to the instance section.
//
//	registry:
//	  consul:
//	    address: 127.0.0.1:8500
//	    tag: default
type PluginConfig map[string]map[string]map[string]any

// GetName implements the config.Config interface.
func (c *PluginConfig) GetName() string {
	return "plugin"
}

// Validate implements the config.Config interface. An empty config is valid
// and starts no plugins.
func (c *PluginConfig) Validate() error {
	if c == nil {
		return nil
	}
	for pluginType, factories := range *c {
		for factoryName, instance := range factories {
			if instance == nil {
				return fmt.Errorf("plugin %s_%s has no instance config", pluginType, factoryName)
			}
		}
	}
	return nil
}

// Plugin is a running plugin instance.
type Plugin interface { //nolint:revive
	FactoryName() string
}

type pluginMgr struct {
	insMap map[string]map[string]map[string]Plugin
}

type initialized struct {
	ft, fn, pn string
	ins        Plugin
}

var (
	_pluginLock sync.RWMutex
	_pluginMgr  = &pluginMgr{insMap: make(map[string]map[string]map[string]Plugin)}
)

// RegisterPlugin registers a plugin factory. It is called from init functions.
func RegisterPlugin(f Factory) {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()
	_factoryMap[fmt.Sprintf("%s_%s", f.Type(), f.Name())] = f
}

// InitPlugins loads the "plugin" section, sets up every configured instance
// and follows hot reloads. A failed setup destroys the instances created so far.
func InitPlugins(cm config.ConfigManager) error {
	if cm == nil {
		return errors.New("configManager cannot be nil")
	}
	cfg := PluginConfig{}
	if err := cm.LoadConfig("plugin", &cfg); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Info().Msg("no plugin config, no plugins started")
			return nil
		}
		return fmt.Errorf("load plugin config failed: %w", err)
	}

	_pluginLock.Lock()
	defer _pluginLock.Unlock()

	created, err := setupAll(cfg, nil)
	if err != nil {
		return err
	}
	cm.AddChangeListener(_pluginMgr)
	log.Info().Int("count", len(created)).Msg("InitPlugins success")
	return nil
}

// setupAll creates the instances of cfg not listed in skip. Callers hold _pluginLock.
func setupAll(cfg PluginConfig, skip map[string]bool) ([]initialized, error) {
	var created []initialized
	for ft, s := range cfg {
		haveDefault := false
		for k, c := range s {
			fn := getFactoryName(k)
			pn := getPluginNameFromCfg(c)
			if pn == DefaultInsName {
				if haveDefault {
					rollbackPlugins(created)
					return nil, fmt.Errorf("plugin type [%s] default instance already exists", ft)
				}
				haveDefault = true
			}
			if skip[instanceKey(ft, fn, pn)] {
				continue
			}

			f := _factoryMap[fmt.Sprintf("%s_%s", ft, fn)]
			if f == nil {
				rollbackPlugins(created)
				return nil, fmt.Errorf("plugin factory [%s/%s] not found, available factories: %v",
					ft, fn, listAvailableFactories(ft))
			}

			log.Info().Str("type", string(f.Type())).Str("name", f.Name()).Msg("plugin setup begin")
			ins, err := f.Setup(c)
			if err != nil {
				rollbackPlugins(created)
				return nil, fmt.Errorf("plugin [%s/%s] setup failed: %w", ft, fn, err)
			}
			if err := registerPluginIns(ft, fn, pn, ins); err != nil {
				_ = f.Destroy(ins, nil)
				rollbackPlugins(created)
				return nil, err
			}
			created = append(created, initialized{ft, fn, pn, ins})
			log.Info().Str("type", ft).Str("name", fn).Str("instance", pn).Msg("plugin setup success")
		}
	}
	return created, nil
}

// OnConfigChanged implements config.ConfigChangeListener. Instances present
// in both configs are reloaded in place; when Reload fails, or the instance
// is new, it is recreated. Instances absent from the new config are destroyed.
func (pm *pluginMgr) OnConfigChanged(configName string, newConfig, oldConfig config.Config) error {
	if configName != "plugin" {
		return nil
	}
	newCfg, ok := newConfig.(*PluginConfig)
	if !ok {
		return fmt.Errorf("invalid config type: expected *PluginConfig, got %T", newConfig)
	}

	_pluginLock.Lock()
	defer _pluginLock.Unlock()

	for ft, factories := range pm.insMap {
		for fn, instances := range factories {
			f := _factoryMap[fmt.Sprintf("%s_%s", ft, fn)]
			for pn, ins := range instances {
				if f != nil && !f.CanDelete(ins) {
					return fmt.Errorf("plugin [%s/%s/%s] cannot be deleted now", ft, fn, pn)
				}
			}
		}
	}

	reloaded := make(map[string]bool)
	for ft, s := range *newCfg {
		for k, c := range s {
			fn, pn := getFactoryName(k), getPluginNameFromCfg(c)
			ins := lookup(ft, fn, pn)
			f := _factoryMap[fmt.Sprintf("%s_%s", ft, fn)]
			if ins == nil || f == nil {
				continue
			}
			if err := f.Reload(ins, c); err != nil {
				log.Warn().Err(err).Str("type", ft).Str("factory", fn).Str("instance", pn).
					Msg("hot reload failed, will recreate plugin")
				continue
			}
			reloaded[instanceKey(ft, fn, pn)] = true
		}
	}

	kept := make(map[string]map[string]map[string]Plugin)
	for ft, factories := range pm.insMap {
		for fn, instances := range factories {
			f := _factoryMap[fmt.Sprintf("%s_%s", ft, fn)]
			for pn, ins := range instances {
				if reloaded[instanceKey(ft, fn, pn)] {
					putIns(kept, ft, fn, pn, ins)
					continue
				}
				if f != nil {
					if err := f.Destroy(ins, nil); err != nil {
						log.Error().Err(err).Str("type", ft).Str("factory", fn).Str("instance", pn).
							Msg("destroy plugin failed")
					}
				}
			}
		}
	}
	pm.insMap = kept

	created, err := setupAll(*newCfg, reloaded)
	if err != nil {
		return err
	}
	log.Info().Int("reloaded", len(reloaded)).Int("recreated", len(created)).
		Msg("all plugins hot reload completed")
	return nil
}

// GetConfigName implements config.ConfigChangeListener.
func (pm *pluginMgr) GetConfigName() string {
	return "plugin"
}

func instanceKey(ft, fn, pn string) string {
	return ft + "/" + fn + "/" + pn
}

func putIns(m map[string]map[string]map[string]Plugin, ft, fn, pn string, ins Plugin) {
	if m[ft] == nil {
		m[ft] = make(map[string]map[string]Plugin)
	}
	if m[ft][fn] == nil {
		m[ft][fn] = make(map[string]Plugin)
	}
	m[ft][fn][pn] = ins
}

func registerPluginIns(ft, fn, pn string, ins Plugin) error {
	if lookup(ft, fn, pn) != nil {
		return fmt.Errorf("plugin instance [%s/%s/%s] already registered", ft, fn, pn)
	}
	putIns(_pluginMgr.insMap, ft, fn, pn, ins)
	return nil
}

func lookup(ft, fn, pn string) Plugin {
	return _pluginMgr.insMap[ft][fn][pn]
}

// getPluginNameFromCfg returns the "tag" entry of an instance section.
func getPluginNameFromCfg(c map[string]any) string {
	tag, ok := c["tag"].(string)
	if !ok || tag == "" {
		return DefaultInsName
	}
	return tag
}

func getFactoryName(fn string) string {
	return strings.Split(fn, "_")[0]
}

// GetPlugin returns an instance by type, factory and instance name.
func GetPlugin(ft, fn, pn string) (Plugin, error) {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()

	typeMap, ok := _pluginMgr.insMap[ft]
	if !ok {
		return nil, fmt.Errorf("plugin type [%s] not registered", ft)
	}
	factoryMap, ok := typeMap[fn]
	if !ok {
		return nil, fmt.Errorf("plugin factory [%s/%s] not found", ft, fn)
	}
	ins, ok := factoryMap[pn]
	if !ok {
		return nil, fmt.Errorf("plugin instance [%s/%s/%s] not found", ft, fn, pn)
	}
	return ins, nil
}

// GetDefaultPlugin returns the "default" instance.
func GetDefaultPlugin(ft, fn string) (Plugin, error) {
	return GetPlugin(ft, fn, DefaultInsName)
}

// ListPlugins returns instance names keyed by "type/factory".
func ListPlugins() map[string][]string {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()

	result := make(map[string][]string)
	for ft, typeMap := range _pluginMgr.insMap {
		for fn, factoryMap := range typeMap {
			key := fmt.Sprintf("%s/%s", ft, fn)
			for pn := range factoryMap {
				result[key] = append(result[key], pn)
			}
			sort.Strings(result[key])
		}
	}
	return result
}

// DestroyAll tears down every instance. It is called on server shutdown.
func DestroyAll() {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()

	for ft, factories := range _pluginMgr.insMap {
		for fn, instances := range factories {
			f := _factoryMap[fmt.Sprintf("%s_%s", ft, fn)]
			if f == nil {
				continue
			}
			for pn, ins := range instances {
				if err := f.Destroy(ins, nil); err != nil {
					log.Error().Err(err).Str("type", ft).Str("factory", fn).Str("instance", pn).Msg("destroy plugin failed")
				}
			}
		}
	}
	_pluginMgr.insMap = make(map[string]map[string]map[string]Plugin)
}

// rollbackPlugins destroys the given instances in reverse order and drops
// them from the registry. Callers hold _pluginLock.
func rollbackPlugins(plugins []initialized) {
	if len(plugins) == 0 {
		return
	}
	log.Warn().Int("count", len(plugins)).Msg("rolling back initialized plugins...")

	for i := len(plugins) - 1; i >= 0; i-- {
		p := plugins[i]
		if m := _pluginMgr.insMap[p.ft][p.fn]; m != nil {
			delete(m, p.pn)
		}
		f := _factoryMap[fmt.Sprintf("%s_%s", p.ft, p.fn)]
		if f == nil {
			continue
		}
		if err := f.Destroy(p.ins, nil); err != nil {
			log.Error().Err(err).Str("type", p.ft).Str("factory", p.fn).
				Str("instance", p.pn).Msg("rollback failed")
		}
	}
}

// listAvailableFactories is used in error messages. Callers hold _pluginLock.
func listAvailableFactories(ft string) []string {
	var factories []string
	for key := range _factoryMap {
		if strings.HasPrefix(key, ft+"_") {
			factories = append(factories, strings.TrimPrefix(key, ft+"_"))
		}
	}
	sort.Strings(factories)
	return factories
}
