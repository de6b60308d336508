package client

import (
	"strings"
	"text/template"
)

// sshCommandTemplate renders the ssh command line a user runs to complete
// the session (spec §4.3 step 6). Grounded on the teacher's
// routes/tunnel.go autosshCmd/systemdUnit string-building (same "build a
// shell command the user copies and pastes" shape), swapped from
// fmt.Sprintf to text/template and from an autossh -R reverse-tunnel unit
// to a plain ssh -p <port> -i <identity> <user>@localhost line.
var sshCommandTemplate = template.Must(template.New("sshCommand").Parse(
	`ssh -p {{.Port}} -i {{.IdentityFile}} {{.Username}}@localhost`,
))

type sshCommandParams struct {
	Port         int
	IdentityFile string
	Username     string
}

func renderSSHCommand(p sshCommandParams) (string, error) {
	var b strings.Builder
	if err := sshCommandTemplate.Execute(&b, p); err != nil {
		return "", err
	}
	return b.String(), nil
}
