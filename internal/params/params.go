package params

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"mailadmin/backend/internal/cache"
	"mailadmin/backend/internal/config"
	"mailadmin/backend/internal/domain"
	"mailadmin/backend/internal/storage"
)

// ErrMissing 参数不存在
var ErrMissing = errors.New("parameter not found")

const localConfigKey = "params:local_config"

// Source 只读参数来源
type Source interface {
	// Value 返回参数值。raiseOnMissing 为 false 时，缺失参数返回 (nil, nil)。
	Value(name string, raiseOnMissing bool) (any, error)
}

// Global 全局参数：数据库中的 LocalConfig 记录优先，其次是配置文件默认值
type Global struct {
	store    storage.LocalConfigRepository
	defaults map[string]any
	cache    *cache.LocalCache

	mu sync.Mutex // 保护 Set 的读改写
}

// DefaultsFromConfig 由配置构造参数默认值
func DefaultsFromConfig(cfg config.AdminConfig) map[string]any {
	return map[string]any{
		domain.ParamHandleMailboxes:            cfg.HandleMailboxes,
		domain.ParamAutoCreateDomainAndMailbox: cfg.AutoCreateDomainAndMailbox,
	}
}

// NewGlobal 创建全局参数来源，c 为 nil 时不缓存
func NewGlobal(store storage.LocalConfigRepository, defaults map[string]any, c *cache.LocalCache) *Global {
	if defaults == nil {
		defaults = map[string]any{}
	}
	return &Global{store: store, defaults: defaults, cache: c}
}

// Value 读取全局参数
func (g *Global) Value(name string, raiseOnMissing bool) (any, error) {
	stored, err := g.load()
	if err != nil {
		return nil, err
	}
	if v, ok := stored[name]; ok {
		return v, nil
	}
	if v, ok := g.defaults[name]; ok {
		return v, nil
	}
	if raiseOnMissing {
		return nil, fmt.Errorf("%w: %s", ErrMissing, name)
	}
	return nil, nil
}

// Set 持久化一个全局参数
func (g *Global) Set(name string, value any) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cfg, err := g.store.GetLocalConfig()
	if errors.Is(err, storage.ErrNotFound) {
		cfg = &domain.LocalConfig{ID: domain.LocalConfigID}
	} else if err != nil {
		return fmt.Errorf("load local config: %w", err)
	}
	if cfg.Parameters == nil {
		cfg.Parameters = map[string]interface{}{}
	}
	cfg.Parameters[name] = value

	if err := g.store.SaveLocalConfig(cfg); err != nil {
		return fmt.Errorf("save local config: %w", err)
	}
	g.Invalidate()
	return nil
}

// Invalidate 丢弃缓存的参数
func (g *Global) Invalidate() {
	if g.cache != nil {
		g.cache.Delete(localConfigKey)
	}
}

func (g *Global) load() (map[string]interface{}, error) {
	if g.cache != nil {
		if v, ok := g.cache.Get(localConfigKey); ok {
			return v.(map[string]interface{}), nil
		}
	}

	cfg, err := g.store.GetLocalConfig()
	var stored map[string]interface{}
	switch {
	case err == nil:
		stored = cfg.Parameters
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, fmt.Errorf("load local config: %w", err)
	}
	if stored == nil {
		stored = map[string]interface{}{}
	}

	if g.cache != nil {
		g.cache.Set(localConfigKey, stored, 0)
	}
	return stored, nil
}

// Request 请求级参数，覆盖全局参数
type Request struct {
	parent Source
	values map[string]any
}

// NewRequest 创建请求级参数来源
func NewRequest(parent Source, values map[string]any) *Request {
	return &Request{parent: parent, values: values}
}

// Value 先读请求级参数，再读上级来源
func (r *Request) Value(name string, raiseOnMissing bool) (any, error) {
	if v, ok := r.values[name]; ok {
		return v, nil
	}
	if r.parent == nil {
		if raiseOnMissing {
			return nil, fmt.Errorf("%w: %s", ErrMissing, name)
		}
		return nil, nil
	}
	return r.parent.Value(name, raiseOnMissing)
}

// Bool 读取布尔参数，缺失或无法解析时返回 false
func Bool(src Source, name string) bool {
	if src == nil {
		return false
	}
	v, err := src.Value(name, false)
	if err != nil || v == nil {
		return false
	}
	return toBool(v)
}

func toBool(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			return strings.EqualFold(strings.TrimSpace(val), "yes")
		}
		return b
	case float64:
		return val != 0
	case int:
		return val != 0
	default:
		return false
	}
}
