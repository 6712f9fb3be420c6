// Copyright 2025 snapfuzz project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

// Package config provides strict parsing of JSON configuration files.
// Strict means that all fields must be known, and unknown fields are
// reported with their full path. Lines starting with # are treated as
// comments and stripped before parsing.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"regexp"
	"strings"

	"github.com/snapfuzz/snapfuzz/pkg/osutil"
)

func LoadFile(filename string, cfg interface{}) error {
	if filename == "" {
		return fmt.Errorf("no config file specified")
	}
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return LoadData(data, cfg)
}

func LoadData(data []byte, cfg interface{}) error {
	if err := checkConfigType(cfg); err != nil {
		return err
	}
	// Remove comment lines starting with #.
	data = regexp.MustCompile(`(^|\n)\s*#[^\n]*`).ReplaceAll(data, nil)
	// Reject unknown fields before unmarshalling so that a bad config
	// does not leave the target partially filled in.
	if err := checkUnknownFields(data, reflect.TypeOf(cfg).Elem()); err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func SaveFile(filename string, cfg interface{}) error {
	data, err := SaveData(cfg)
	if err != nil {
		return err
	}
	return osutil.WriteFile(filename, data)
}

func SaveData(cfg interface{}) ([]byte, error) {
	return json.MarshalIndent(cfg, "", "\t")
}

// MergeJSONData merges two JSON objects; on conflicts values from right
// override values from left, nested objects are merged recursively.
func MergeJSONData(left, right []byte) ([]byte, error) {
	if len(bytes.TrimSpace(right)) == 0 {
		return left, nil
	}
	if len(bytes.TrimSpace(left)) == 0 {
		return right, nil
	}
	var leftMap, rightMap map[string]interface{}
	if err := json.Unmarshal(left, &leftMap); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	if err := json.Unmarshal(right, &rightMap); err != nil {
		return nil, fmt.Errorf("failed to parse JSON: %w", err)
	}
	return json.Marshal(mergeMaps(leftMap, rightMap))
}

func mergeMaps(left, right map[string]interface{}) map[string]interface{} {
	for key, rightVal := range right {
		if leftMap, ok := left[key].(map[string]interface{}); ok {
			if rightMap, ok := rightVal.(map[string]interface{}); ok {
				left[key] = mergeMaps(leftMap, rightMap)
				continue
			}
		}
		left[key] = rightVal
	}
	return left
}

func checkConfigType(cfg interface{}) error {
	typ := reflect.TypeOf(cfg)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		return errors.New("config type is not pointer to struct")
	}
	return nil
}

func checkUnknownFields(data []byte, typ reflect.Type) error {
	fields := make(map[string]interface{})
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return checkUnknownFieldsStruct(fields, typ, "")
}

func checkUnknownFieldsStruct(fields map[string]interface{}, typ reflect.Type, prefix string) error {
	for key, val := range fields {
		var field *reflect.StructField
		for i := 0; i < typ.NumField(); i++ {
			f := typ.Field(i)
			name := jsonFieldName(f)
			if name == "-" {
				continue
			}
			if strings.EqualFold(name, key) {
				field = &f
				break
			}
		}
		if field == nil {
			return fmt.Errorf("unknown field '%v%v' in config", prefix, key)
		}
		if err := checkUnknownFieldsValue(val, field.Type, prefix+key); err != nil {
			return err
		}
	}
	return nil
}

var rawMessageType = reflect.TypeOf(json.RawMessage{})

func checkUnknownFieldsValue(val interface{}, typ reflect.Type, path string) error {
	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	if typ == rawMessageType {
		return nil
	}
	switch val := val.(type) {
	case map[string]interface{}:
		if typ.Kind() != reflect.Struct {
			return nil
		}
		return checkUnknownFieldsStruct(val, typ, path+".")
	case []interface{}:
		if typ.Kind() != reflect.Slice && typ.Kind() != reflect.Array {
			return nil
		}
		for i, elem := range val {
			if err := checkUnknownFieldsValue(elem, typ.Elem(), fmt.Sprintf("%v[%v]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}

func jsonFieldName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name
	}
	name, _, _ := strings.Cut(tag, ",")
	if name == "" {
		return f.Name
	}
	return name
}
