package command

import "github.com/pgbackrest-go/pgbackrest/pgerr"

func errOptionRequired(name string) error {
	return pgerr.New(pgerr.OptionRequiredError, "option %s is required", name)
}
