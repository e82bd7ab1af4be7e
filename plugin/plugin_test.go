package plugin

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lcx/gamenet/config"
)

type fakePlugin struct {
	id  int
	cfg map[string]any
}

func (p *fakePlugin) FactoryName() string { return "fake" }

type fakeFactory struct {
	mu       sync.Mutex
	next     int
	setups   int
	destroys int
	reloads  int
}

func (f *fakeFactory) Type() Type { return Registry }

func (f *fakeFactory) Name() string { return "fake" }

func (f *fakeFactory) Setup(v map[string]any) (Plugin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v["fail"] == true {
		return nil, errors.New("setup refused")
	}
	f.next++
	f.setups++
	return &fakePlugin{id: f.next, cfg: v}, nil
}

func (f *fakeFactory) Destroy(Plugin, any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	return nil
}

func (f *fakeFactory) Reload(p Plugin, v map[string]any) error {
	if v["recreate"] == true {
		return errors.New("needs recreate")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	p.(*fakePlugin).cfg = v
	return nil
}

func (f *fakeFactory) CanDelete(Plugin) bool { return true }

func (f *fakeFactory) counts() (setups, destroys, reloads int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.setups, f.destroys, f.reloads
}

var fake = &fakeFactory{}

func init() {
	RegisterPlugin(fake)
}

func resetFake(t *testing.T) {
	t.Helper()
	fake.mu.Lock()
	fake.next, fake.setups, fake.destroys, fake.reloads = 0, 0, 0, 0
	fake.mu.Unlock()
	t.Cleanup(DestroyAll)
}

func pluginConfigManager(t *testing.T, body string) config.ConfigManager {
	t.Helper()
	dir := t.TempDir()
	if body != "" {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "plugin.yaml"), []byte(body), 0644))
	}
	cm := config.NewConfigManager()
	cm.SetBasePath(dir)
	t.Cleanup(func() { _ = cm.Close() })
	return cm
}

func TestInitPluginsWithoutConfig(t *testing.T) {
	resetFake(t)
	require.NoError(t, InitPlugins(pluginConfigManager(t, "")))
	assert.Empty(t, ListPlugins())

	_, err := GetDefaultPlugin(string(Registry), "fake")
	assert.Error(t, err)
}

func TestInitPluginsCreatesInstances(t *testing.T) {
	resetFake(t)
	cm := pluginConfigManager(t, `
registry:
  fake:
    address: a
  fake_backup:
    address: b
    tag: backup
`)
	require.NoError(t, InitPlugins(cm))

	assert.Equal(t, map[string][]string{"registry/fake": {"backup", DefaultInsName}}, ListPlugins())

	p, err := GetDefaultPlugin(string(Registry), "fake")
	require.NoError(t, err)
	assert.Equal(t, "a", p.(*fakePlugin).cfg["address"])

	p, err = GetPlugin(string(Registry), "fake", "backup")
	require.NoError(t, err)
	assert.Equal(t, "b", p.(*fakePlugin).cfg["address"])

	_, err = GetPlugin("cache", "fake", DefaultInsName)
	assert.Error(t, err)
	_, err = GetPlugin(string(Registry), "etcd", DefaultInsName)
	assert.Error(t, err)

	DestroyAll()
	_, destroys, _ := fake.counts()
	assert.Equal(t, 2, destroys)
	assert.Empty(t, ListPlugins())
}

func TestInitPluginsUnknownFactory(t *testing.T) {
	resetFake(t)
	err := InitPlugins(pluginConfigManager(t, `
registry:
  etcd:
    address: a
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fake")
}

func TestInitPluginsRollsBackOnFailure(t *testing.T) {
	resetFake(t)
	err := InitPlugins(pluginConfigManager(t, `
registry:
  fake:
    address: a
  fake_broken:
    fail: true
    tag: broken
`))
	require.Error(t, err)

	setups, destroys, _ := fake.counts()
	assert.Equal(t, setups, destroys)
	assert.Empty(t, ListPlugins())
}

func TestInitPluginsDuplicateDefault(t *testing.T) {
	resetFake(t)
	err := InitPlugins(pluginConfigManager(t, `
registry:
  fake:
    address: a
  fake_two:
    address: b
`))
	require.Error(t, err)
	assert.Empty(t, ListPlugins())
}

func TestPluginHotReload(t *testing.T) {
	resetFake(t)
	require.NoError(t, InitPlugins(pluginConfigManager(t, `
registry:
  fake:
    address: a
  fake_old:
    tag: old
`)))
	before, err := GetDefaultPlugin(string(Registry), "fake")
	require.NoError(t, err)

	next := PluginConfig{
		"registry": {
			"fake":     {"address": "a2"},
			"fake_new": {"tag": "new"},
		},
	}
	require.NoError(t, _pluginMgr.OnConfigChanged("plugin", &next, nil))

	after, err := GetDefaultPlugin(string(Registry), "fake")
	require.NoError(t, err)
	assert.Same(t, before, after, "reloaded in place")
	assert.Equal(t, "a2", after.(*fakePlugin).cfg["address"])
	assert.Equal(t, map[string][]string{"registry/fake": {DefaultInsName, "new"}}, ListPlugins())

	setups, destroys, reloads := fake.counts()
	assert.Equal(t, 3, setups)
	assert.Equal(t, 1, destroys)
	assert.Equal(t, 1, reloads)

	next = PluginConfig{"registry": {"fake": {"address": "a3", "recreate": true}}}
	require.NoError(t, _pluginMgr.OnConfigChanged("plugin", &next, nil))
	recreated, err := GetDefaultPlugin(string(Registry), "fake")
	require.NoError(t, err)
	assert.NotSame(t, after, recreated)
	assert.Equal(t, "a3", recreated.(*fakePlugin).cfg["address"])

	assert.NoError(t, _pluginMgr.OnConfigChanged("other", &next, nil))
}

func TestPluginConfigValidate(t *testing.T) {
	var nilCfg *PluginConfig
	assert.NoError(t, nilCfg.Validate())

	cfg := PluginConfig{"registry": {"fake": nil}}
	assert.Error(t, cfg.Validate())
}
