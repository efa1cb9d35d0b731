package cli

import (
	"context"
	"strings"

	"github.com/spf13/cobra"
)

// completeRequestIDs lists request ids with their original text as the
// description.
func completeRequestIDs(_ *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if TaskMgr == nil || len(args) > 0 {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	reqs, err := TaskMgr.ListRequests(context.Background())
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	var ids []string
	for _, r := range reqs {
		if strings.HasPrefix(r.Request.ID, toComplete) {
			ids = append(ids, r.Request.ID+"\t"+truncate(r.Request.OriginalRequest, 40))
		}
	}
	return ids, cobra.ShellCompDirectiveNoFileComp
}

// completeTaskIDs lists the live task ids of every open request.
func completeTaskIDs(_ *cobra.Command, _ []string, toComplete string) ([]string, cobra.ShellCompDirective) {
	if TaskMgr == nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	ctx := context.Background()
	reqs, err := TaskMgr.ListRequests(ctx)
	if err != nil {
		return nil, cobra.ShellCompDirectiveNoFileComp
	}

	var ids []string
	for _, r := range reqs {
		if r.Request.Completed {
			continue
		}
		d, err := TaskMgr.GetRequest(ctx, r.Request.ID)
		if err != nil {
			continue
		}
		for _, t := range d.Tasks {
			if strings.HasPrefix(t.ID, toComplete) {
				ids = append(ids, t.ID+"\t"+string(t.Status)+": "+t.Title)
			}
		}
	}
	return ids, cobra.ShellCompDirectiveNoFileComp
}
