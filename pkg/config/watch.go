package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch re-decodes the settings file whenever it changes on disk and hands
// the new Config to fn. Invalid edits are reported through onErr and the
// previous Config stays in effect.
func Watch(fn func(*Config), onErr func(error)) {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode()
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		cfg = next
		fn(next)
	})
	viper.WatchConfig()
}
