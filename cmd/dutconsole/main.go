package main

import (
	"os"

	"github.com/ankouros/dutconsole/internal/app"
)

func main() {
	os.Exit(app.Execute())
}
