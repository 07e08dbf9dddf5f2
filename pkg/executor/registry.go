// Package executor implements the task executors: the script installer and the
// file, network and LLM-backed tasks.
package executor

import (
	"fmt"

	"github.com/morezero/taskrunner/pkg/access"
	"github.com/morezero/taskrunner/pkg/dispatcher"
	"github.com/morezero/taskrunner/pkg/tasks"
)

// Deps are the shared, read-only collaborators handed to every executor.
type Deps struct {
	Access     *access.Policy
	Downloader *Downloader
	Runner     CommandRunner
	Text       TextGenerator
	Vision     VisionGenerator
	Install    InstallScriptConfig
}

// NewRegistry builds the task type → executor table. Task types without an entry
// are reported by the dispatcher as unsupported.
func NewRegistry(deps Deps) (map[string]dispatcher.Executor, error) {
	if deps.Access == nil {
		return nil, fmt.Errorf("%s - access policy is required", installLogPrefix)
	}
	if deps.Downloader == nil {
		deps.Downloader = NewDownloader(nil, DefaultDownloadPolicy(0))
	}

	installCfg := deps.Install
	installCfg.Access = deps.Access
	installCfg.Downloader = deps.Downloader
	if installCfg.Runner == nil {
		installCfg.Runner = deps.Runner
	}
	install, err := NewInstallScript(installCfg)
	if err != nil {
		return nil, err
	}

	return map[string]dispatcher.Executor{
		tasks.TypeInstallRunScript: install,
		tasks.TypeCountWeekday:     &CountWeekday{Access: deps.Access},
		tasks.TypeSortContacts:     &SortContacts{Access: deps.Access},
		tasks.TypeRecentLogs:       &RecentLogs{Access: deps.Access},
		tasks.TypeMarkdownIndex:    &MarkdownIndex{Access: deps.Access},
		tasks.TypeFetchAPI:         &FetchAPI{Access: deps.Access, Downloader: deps.Downloader},
		tasks.TypeExtractEmail:     &ExtractEmail{Access: deps.Access, LLM: deps.Text},
		tasks.TypeCreditCard:       &CreditCard{Access: deps.Access, LLM: deps.Vision},
	}, nil
}
