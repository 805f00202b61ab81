package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/banksean/zoned/api"
)

type LsCmd struct{}

func (c *LsCmd) Run(cctx *Context) error {
	var res api.GetZoneIdsResult
	if err := cctx.client.call(api.MethodGetZoneIds, nil, &res.IDs); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ZONE ID")
	for _, id := range res.IDs {
		fmt.Fprintln(w, id)
	}
	return w.Flush()
}

type InfoCmd struct {
	ID string `arg:"" help:"zone id"`
}

func (c *InfoCmd) Run(cctx *Context) error {
	info, err := cctx.client.getZoneInfo(c.ID)
	if err != nil {
		return err
	}
	fmt.Printf("id:         %s\n", info.ID)
	fmt.Printf("state:      %s\n", info.State)
	fmt.Printf("vt:         %d\n", info.VT)
	fmt.Printf("root path:  %s\n", info.RootPath)
	fmt.Printf("init pid:   %d\n", info.InitPid)
	return nil
}

type CreateCmd struct {
	ID       string `arg:"" optional:"" help:"zone id (random if omitted)"`
	Template string `arg:"" help:"zone template name"`
}

func (c *CreateCmd) Run(cctx *Context) error {
	var res api.ZoneIDRequest
	err := cctx.client.call(api.MethodCreateZone, api.CreateZoneRequest{ID: c.ID, TemplateName: c.Template}, &res)
	if err != nil {
		return err
	}
	fmt.Println(res.ID)
	return nil
}

type StartCmd struct {
	ID string `arg:"" help:"zone id"`
}

func (c *StartCmd) Run(cctx *Context) error {
	return cctx.client.call(api.MethodStartZone, api.ZoneIDRequest{ID: c.ID}, nil)
}

type ShutdownCmd struct {
	ID string `arg:"" help:"zone id"`
}

func (c *ShutdownCmd) Run(cctx *Context) error {
	return cctx.client.call(api.MethodShutdownZone, api.ZoneIDRequest{ID: c.ID}, nil)
}

type DestroyCmd struct {
	ID string `arg:"" help:"zone id"`
}

func (c *DestroyCmd) Run(cctx *Context) error {
	return cctx.client.call(api.MethodDestroyZone, api.ZoneIDRequest{ID: c.ID}, nil)
}

type LockCmd struct {
	ID string `arg:"" help:"zone id"`
}

func (c *LockCmd) Run(cctx *Context) error {
	return cctx.client.call(api.MethodLockZone, api.ZoneIDRequest{ID: c.ID}, nil)
}

type UnlockCmd struct {
	ID string `arg:"" help:"zone id"`
}

func (c *UnlockCmd) Run(cctx *Context) error {
	return cctx.client.call(api.MethodUnlockZone, api.ZoneIDRequest{ID: c.ID}, nil)
}

type SetActiveCmd struct {
	ID string `arg:"" help:"zone id"`
}

func (c *SetActiveCmd) Run(cctx *Context) error {
	return cctx.client.call(api.MethodSetActiveZone, api.ZoneIDRequest{ID: c.ID}, nil)
}

type DeclareFileCmd struct {
	ID     string `arg:"" help:"zone id"`
	Path   string `arg:"" help:"path inside the zone's rootfs"`
	Source string `help:"host source file to copy from, instead of inline contents"`
	Mode   uint32 `default:"420" help:"file mode bits"`
}

func (c *DeclareFileCmd) Run(cctx *Context) error {
	var contents []byte
	if c.Source != "" {
		data, err := os.ReadFile(c.Source)
		if err != nil {
			return err
		}
		contents = data
	}
	var res api.DeclarationResult
	err := cctx.client.call(api.MethodDeclareFile, api.DeclareFileRequest{
		ID: c.ID, Path: c.Path, Source: c.Source, Contents: contents, Mode: c.Mode,
	}, &res)
	if err != nil {
		return err
	}
	fmt.Println(res.DeclID)
	return nil
}

type GetDeclarationsCmd struct {
	ID string `arg:"" help:"zone id"`
}

func (c *GetDeclarationsCmd) Run(cctx *Context) error {
	var res api.GetDeclarationsResult
	if err := cctx.client.call(api.MethodGetDeclarations, api.ZoneIDRequest{ID: c.ID}, &res); err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DECL ID\tKIND\tPATH")
	for _, d := range res.Declarations {
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.DeclID, d.Kind, d.Path)
	}
	return w.Flush()
}

type NetdevListCmd struct{}

func (c *NetdevListCmd) Run(cctx *Context) error {
	var res api.NetdevListResult
	if err := cctx.client.call(api.MethodNetdevList, nil, &res); err != nil {
		return err
	}
	for _, d := range res.Devices {
		fmt.Println(d)
	}
	return nil
}

type ProxyCallCmd struct {
	Caller    string `help:"calling zone id, or \"host\""`
	Target    string `arg:"" help:"target zone id"`
	Interface string `arg:"" help:"interface name"`
	Method    string `arg:"" help:"method name"`
}

func (c *ProxyCallCmd) Run(cctx *Context) error {
	var res api.ProxyCallResult
	err := cctx.client.call(api.MethodProxyCall, api.ProxyCallRequest{
		Caller: c.Caller, Target: c.Target, Interface: c.Interface, Method: c.Method,
	}, &res)
	if err != nil {
		return err
	}
	fmt.Printf("%s\n", res.Reply)
	return nil
}
