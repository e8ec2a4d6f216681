//go:build windows

package manifest

import (
	"errors"

	"golang.org/x/sys/windows/registry"
)

// nativeRegistry writes HKCU keys through the registry API.
type nativeRegistry struct{}

func (nativeRegistry) SetDefault(key, value string) error {
	k, _, err := registry.CreateKey(registry.CURRENT_USER, key, registry.SET_VALUE)
	if err != nil {
		return err
	}
	defer func() { _ = k.Close() }()
	return k.SetStringValue("", value)
}

func (nativeRegistry) DeleteKey(key string) error {
	err := registry.DeleteKey(registry.CURRENT_USER, key)
	if err != nil && !errors.Is(err, registry.ErrNotExist) {
		return err
	}
	return nil
}
