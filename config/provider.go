package config

type ConfigProvider interface {
	LookupPath(selector string) (val *Value, ok bool)
	Set(selector string, val interface{}) (old interface{}, err error)
	Update(vals map[string]interface{}) Map
	Data() Map
}

// MapProvider is an in-memory provider, typically holding flag overrides.
type MapProvider struct {
	vals Map
}

func NewMapProvider(vals map[string]interface{}) *MapProvider {
	return &MapProvider{vals: NewMap(vals)}
}

func (p *MapProvider) LookupPath(selector string) (val *Value, ok bool) {
	val = p.vals.Get(selector)
	ok = !val.IsNil()
	return
}

func (p *MapProvider) Set(selector string, val interface{}) (interface{}, error) {
	old := p.vals.Get(selector).Data()
	p.vals.Set(selector, val)
	return old, nil
}

func (p *MapProvider) Update(vals map[string]interface{}) Map {
	return p.vals.MergeHere(NewMap(vals))
}

func (p *MapProvider) Data() Map {
	return p.vals
}
