package main

import (
	"github.com/hearthside/sync-gateway/internal/app"
	"github.com/hearthside/sync-gateway/internal/config"
)

func main() {
	config.MustInit()
	app.MustNewApp().Run()
}
