package main

import (
	"webpilot/internal/bootstrap"
)

func main() {
	bootstrap.NewApp().Run()
}
