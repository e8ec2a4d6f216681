//go:build !windows

package manifest

type nativeRegistry struct{}

func (nativeRegistry) SetDefault(string, string) error { return errRegistryUnavailable }

func (nativeRegistry) DeleteKey(string) error { return errRegistryUnavailable }
