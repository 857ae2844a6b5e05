package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/jaredcannon/addon-manager/internal/models"
	"github.com/jaredcannon/addon-manager/internal/services"
)

var (
	successColor = color.New(color.FgGreen)
	warnColor    = color.New(color.FgYellow)
	errorColor   = color.New(color.FgRed)
	mutedColor   = color.New(color.Faint)
)

func statusColor(status models.InstallationStatus) *color.Color {
	switch status {
	case models.StatusInstalled:
		return successColor
	case models.StatusUninstallationFailed, models.StatusSoftUninstallationFailed:
		return errorColor
	case models.StatusDownloading:
		return warnColor
	}
	return mutedColor
}

// statusSource looks up statuses for remote listings; nil prints the recorded ones
type statusSource interface {
	Status(id string) (models.InstallationStatus, error)
}

func printAddOns(out io.Writer, addOns []models.AddOn, statuses statusSource) {
	if len(addOns) == 0 {
		fmt.Fprintln(out, mutedColor.Sprint("no add-ons"))
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tRELEASE\tSTATUS")
	for _, a := range addOns {
		status := a.InstallationStatus
		if statuses != nil {
			if s, err := statuses.Status(a.ID); err == nil {
				status = s
			}
		}
		if status == "" {
			status = models.StatusInstalled
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, a.Version, a.Status, status)
	}
	w.Flush()
}

// report prints an operation result and returns an error when anything failed
func report(out io.Writer, result services.OperationResult, err error) error {
	for _, issue := range result.Issues {
		fmt.Fprintln(out, warnColor.Sprintf("! %s: %s", issue.AddOnID, issue.Message))
	}
	if err != nil {
		return err
	}

	if result.ChangeSet.Empty() && len(result.Issues) == 0 {
		fmt.Fprintln(out, mutedColor.Sprint("nothing to do"))
		return nil
	}
	for _, id := range result.Succeeded {
		fmt.Fprintln(out, successColor.Sprintf("✓ %s %s", result.Kind, id))
	}
	for _, f := range result.Failed {
		fmt.Fprintln(out, errorColor.Sprintf("✗ %s: %s", f.AddOnID, f.Message))
	}
	if len(result.RequiresRestart) > 0 {
		fmt.Fprintln(out, warnColor.Sprintf("restart required to finish removing: %s", strings.Join(result.RequiresRestart, ", ")))
	}

	if status := result.Status(); status != models.OperationStatusSuccess {
		return fmt.Errorf("%s %s", result.Kind, status)
	}
	return nil
}
