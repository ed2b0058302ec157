package main

import (
	"github.com/lucasew/photoframe/internal/errutil"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		errutil.ReportError(err, "Failed to bind flag", "flag", key)
		panic(err)
	}
}
