package main

var (
	version = "dev"
	commit  = "none"
)

func main() {
	setVersionInfo(version, commit)
	execute()
}
