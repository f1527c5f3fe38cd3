package apiserver

import (
	"github.com/spf13/cobra"

	"github.com/openkcm/session-edge/internal/business"
	"github.com/openkcm/session-edge/internal/cmdutils"
)

func Cmd(buildInfo string) *cobra.Command {
	return cmdutils.CobraCommand(
		"api-server",
		"Session Edge API server",
		"Session Edge API server keeps identity sessions alive in signed cookies and refreshes expiring tokens",
		buildInfo,
		cmdutils.RunAsService,
		business.Main,
	)
}
