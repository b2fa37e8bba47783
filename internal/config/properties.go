package config

import (
	"fmt"
	"sort"
	"strings"

	"github.com/magiconair/properties"
	"github.com/spf13/viper"
)

// TestProperties are the credentials of a real S3-compatible bucket used by
// integration tests.
type TestProperties struct {
	Key      string
	Secret   string
	Region   string
	Bucket   string
	Endpoint string
}

// S3 returns the properties as an S3 provider section with path-style
// addressing when an endpoint is set.
func (p *TestProperties) S3() S3Config {
	return S3Config{
		AccessKey: p.Key,
		SecretKey: p.Secret,
		Region:    p.Region,
		Bucket:    p.Bucket,
		Endpoint:  p.Endpoint,
		PathStyle: p.Endpoint != "",
		PageSize:  1000,
	}
}

// LoadProperties reads a Java-style properties file holding s3.key,
// s3.secret, s3.region, s3.bucket and s3.endpoint. A bucket whose name
// contains "production" is refused.
func LoadProperties(path string) (*TestProperties, error) {
	codecs := viper.NewCodecRegistry()
	if err := codecs.RegisterCodec("properties", propertiesCodec{}); err != nil {
		return nil, fmt.Errorf("registering properties codec: %w", err)
	}
	v := viper.NewWithOptions(viper.WithCodecRegistry(codecs))
	v.SetConfigFile(path)
	v.SetConfigType("properties")
	v.SetDefault("s3.region", "us-east-1")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading properties file: %w", err)
	}

	p := &TestProperties{
		Key:      v.GetString("s3.key"),
		Secret:   v.GetString("s3.secret"),
		Region:   v.GetString("s3.region"),
		Bucket:   v.GetString("s3.bucket"),
		Endpoint: v.GetString("s3.endpoint"),
	}
	if p.Bucket == "" {
		return nil, fmt.Errorf("properties file %s: s3.bucket is required", path)
	}
	if strings.Contains(p.Bucket, "production") {
		return nil, fmt.Errorf("properties file %s: refusing to use production bucket %q for tests", path, p.Bucket)
	}
	return p, nil
}

// propertiesCodec decodes Java-style properties for viper. Dotted keys
// become nested maps so "s3.key" resolves through viper's key delimiter.
type propertiesCodec struct{}

func (propertiesCodec) Decode(b []byte, v map[string]any) error {
	p, err := properties.Load(b, properties.UTF8)
	if err != nil {
		return err
	}
	for _, key := range p.Keys() {
		value, _ := p.Get(key)
		path := strings.Split(key, ".")
		m := v
		for _, part := range path[:len(path)-1] {
			next, ok := m[part].(map[string]any)
			if !ok {
				next = make(map[string]any)
				m[part] = next
			}
			m = next
		}
		m[path[len(path)-1]] = value
	}
	return nil
}

func (propertiesCodec) Encode(v map[string]any) ([]byte, error) {
	flat := make(map[string]string)
	flattenProperties("", v, flat)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	p := properties.NewProperties()
	for _, k := range keys {
		if _, _, err := p.Set(k, flat[k]); err != nil {
			return nil, err
		}
	}
	var sb strings.Builder
	if _, err := p.Write(&sb, properties.UTF8); err != nil {
		return nil, err
	}
	return []byte(sb.String()), nil
}

func flattenProperties(prefix string, v map[string]any, out map[string]string) {
	for k, value := range v {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := value.(map[string]any); ok {
			flattenProperties(key, nested, out)
			continue
		}
		out[key] = fmt.Sprint(value)
	}
}
