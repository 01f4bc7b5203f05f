package config

import (
	"reflect"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var durationType = reflect.TypeOf(time.Duration(0))

// document строит YAML дерево конфигурации в порядке полей. Длительности
// записываются строками ("20s"), как их принимает viper.
func document(cfg *Config) *yaml.Node {
	return encodeValue(reflect.ValueOf(*cfg))
}

func encodeValue(v reflect.Value) *yaml.Node {
	if v.Type() == durationType {
		return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: time.Duration(v.Int()).String()}
	}

	switch v.Kind() {
	case reflect.Struct:
		node := &yaml.Node{Kind: yaml.MappingNode}
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
			if name == "-" {
				continue
			}
			if name == "" {
				name = strings.ToLower(field.Name)
			}
			key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name}
			node.Content = append(node.Content, key, encodeValue(v.Field(i)))
		}
		return node

	case reflect.Slice:
		node := &yaml.Node{Kind: yaml.SequenceNode}
		for i := 0; i < v.Len(); i++ {
			node.Content = append(node.Content, encodeValue(v.Index(i)))
		}
		return node

	default:
		var node yaml.Node
		if err := node.Encode(v.Interface()); err != nil {
			return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!null"}
		}
		return &node
	}
}
